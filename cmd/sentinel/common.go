package main

import (
	"fmt"

	"github.com/sentinel-hq/sentinel/internal/config"
)

// policyPathFromConfig loads config.yaml just far enough to read
// policy_path, for subcommands that accept an optional file argument and
// fall back to the configured policy when none is given.
func policyPathFromConfig() (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.PolicyPath == "" {
		return "", fmt.Errorf("config %s has no policy_path set", configPath)
	}
	return cfg.PolicyPath, nil
}
