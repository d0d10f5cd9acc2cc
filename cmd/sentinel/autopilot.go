package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/control"
	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/store"
)

var autopilotExplainLimit int

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Control how much the policy is allowed to decide on its own",
}

var autopilotEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Shorthand for 'autopilot mode assist'",
	RunE:  func(cmd *cobra.Command, args []string) error { return setAutopilotMode("assist") },
}

var autopilotDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Shorthand for 'autopilot mode off'",
	RunE:  func(cmd *cobra.Command, args []string) error { return setAutopilotMode("off") },
}

var autopilotModeCmd = &cobra.Command{
	Use:       "mode [off|assist|full]",
	Short:     "Set the autopilot mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"off", "assist", "full"},
	RunE:      func(cmd *cobra.Command, args []string) error { return setAutopilotMode(args[0]) },
}

var autopilotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current autopilot mode",
	RunE:  runAutopilotStatus,
}

var autopilotExplainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Show the most recent policy_evaluated audit events and why each decision was made",
	RunE:  runAutopilotExplain,
}

func init() {
	autopilotExplainCmd.Flags().IntVarP(&autopilotExplainLimit, "n", "n", 10, "number of recent decisions to show")
	autopilotCmd.AddCommand(autopilotEnableCmd, autopilotDisableCmd, autopilotModeCmd, autopilotStatusCmd, autopilotExplainCmd)
}

func setAutopilotMode(mode string) error {
	mode = strings.ToLower(mode)
	if !control.ValidModes[mode] {
		return usageErr(fmt.Errorf("autopilot: unknown mode %q, want off|assist|full", mode))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("autopilot: %w", err))
	}

	path := control.Path(cfg.Store.Path)
	if err := control.EnsureDir(path); err != nil {
		return lifecycleErr(err)
	}
	state, err := control.Load(path)
	if err != nil {
		return lifecycleErr(err)
	}
	state.AutopilotMode = mode
	if err := control.Save(path, state); err != nil {
		return lifecycleErr(err)
	}

	printResult(state, func() { printf("autopilot mode: %s\n", mode) })
	return nil
}

func runAutopilotStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("autopilot status: %w", err))
	}
	state, err := control.Load(control.Path(cfg.Store.Path))
	if err != nil {
		return lifecycleErr(err)
	}
	printResult(state, func() { printf("autopilot mode: %s\n", state.AutopilotMode) })
	return nil
}

func runAutopilotExplain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("autopilot explain: %w", err))
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return configErr(fmt.Errorf("autopilot explain: open store: %w", err))
	}
	defer st.Close()

	events, err := st.ListAuditEvents(cmd.Context(), 0, 0)
	if err != nil {
		return lifecycleErr(fmt.Errorf("autopilot explain: %w", err))
	}

	var decisions []model.AuditEvent
	for i := len(events) - 1; i >= 0 && len(decisions) < autopilotExplainLimit; i-- {
		if events[i].Kind == model.AuditPolicyEvaluated {
			decisions = append(decisions, events[i])
		}
	}

	printResult(decisions, func() {
		if len(decisions) == 0 {
			printf("no policy decisions recorded yet\n")
			return
		}
		for _, ev := range decisions {
			printf("seq=%-6d prompt=%s payload=%v\n", ev.Seq, ev.PromptID, ev.Payload)
		}
	})
	return nil
}
