package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/control"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause outbound channel delivery (a running supervisor picks this up on its next poll)",
	RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(true) },
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume outbound channel delivery",
	RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(false) },
}

func setPaused(paused bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("pause: %w", err))
	}

	path := control.Path(cfg.Store.Path)
	if err := control.EnsureDir(path); err != nil {
		return lifecycleErr(err)
	}
	state, err := control.Load(path)
	if err != nil {
		return lifecycleErr(err)
	}
	state.Paused = paused
	if err := control.Save(path, state); err != nil {
		return lifecycleErr(err)
	}

	printResult(state, func() {
		if paused {
			printf("paused\n")
		} else {
			printf("resumed\n")
		}
	})
	return nil
}
