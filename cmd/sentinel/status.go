package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/control"
	"github.com/sentinel-hq/sentinel/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions, pending prompts, and autopilot/pause state",
	RunE:  runStatus,
}

type statusReport struct {
	ActiveSessions int    `json:"active_sessions"`
	PendingPrompts int    `json:"pending_prompts"`
	Paused         bool   `json:"paused"`
	AutopilotMode  string `json:"autopilot_mode"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("status: %w", err))
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return configErr(fmt.Errorf("status: open store: %w", err))
	}
	defer st.Close()

	ctx := cmd.Context()
	sessions, err := st.ListActiveSessions(ctx)
	if err != nil {
		return lifecycleErr(fmt.Errorf("status: %w", err))
	}
	pending, err := st.ListPendingPrompts(ctx)
	if err != nil {
		return lifecycleErr(fmt.Errorf("status: %w", err))
	}

	cs, err := control.Load(control.Path(cfg.Store.Path))
	if err != nil {
		return lifecycleErr(fmt.Errorf("status: %w", err))
	}

	report := statusReport{
		ActiveSessions: len(sessions),
		PendingPrompts: len(pending),
		Paused:         cs.Paused,
		AutopilotMode:  cs.AutopilotMode,
	}

	printResult(report, func() {
		printf("active sessions:  %d\n", report.ActiveSessions)
		printf("pending prompts:  %d\n", report.PendingPrompts)
		printf("paused:           %v\n", report.Paused)
		printf("autopilot mode:   %s\n", report.AutopilotMode)
	})
	return nil
}
