package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("sessions: %w", err))
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return configErr(fmt.Errorf("sessions: open store: %w", err))
	}
	defer st.Close()

	sessions, err := st.ListActiveSessions(cmd.Context())
	if err != nil {
		return lifecycleErr(fmt.Errorf("sessions: %w", err))
	}

	printResult(sessions, func() {
		if len(sessions) == 0 {
			printf("no active sessions\n")
			return
		}
		for _, s := range sessions {
			printf("%-20s tool=%-12s state=%-10s autonomy=%-8s started=%s\n",
				s.ID, s.ToolName, s.ConversationState, s.AutonomyMode, s.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	})
	return nil
}
