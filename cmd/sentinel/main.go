// Command sentinel is the CLI entrypoint for the policy-governed
// command-line agent supervisor: it wraps a tool invocation in a PTY,
// detects prompts the tool is blocked on, evaluates them against a
// policy, and routes anything that needs a human through Telegram or
// Slack. Grounded on the pack's spf13/cobra root-command shape.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Policy-governed supervisor for interactive command-line AI agents",
	Long: `sentinel wraps a command-line AI agent in a PTY, watches for prompts the
agent is blocked waiting on, evaluates them against a policy, and routes
anything that requires a human to Telegram or Slack.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".config", "sentinel", "config.yaml")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to config.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(autopilotCmd)
	rootCmd.AddCommand(dbCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
