package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `policy_path: %s
store:
  path: %s
channels: []
sessions:
  prompt_ttl_seconds: 600
  autonomy_mode: ASSIST
trace_dir: %s
`

const defaultPolicyTemplate = `defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
rules:
  - id: auto-confirm-enter
    match:
      prompt_types: [CONFIRM_ENTER]
      min_confidence: HIGH
    action:
      type: AUTO_REPLY
      value: "\n"
`

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write a starter config.yaml and policy.yaml if none exist",
	RunE:  runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return configErr(fmt.Errorf("setup: create config dir %s: %w", dir, err))
	}

	policyPath := filepath.Join(dir, "policy.yaml")
	storePath := filepath.Join(dir, "sentinel.db")
	traceDir := filepath.Join(dir, "trace")

	wroteConfig, err := writeIfAbsent(configPath, fmt.Sprintf(defaultConfigTemplate, policyPath, storePath, traceDir), 0o600)
	if err != nil {
		return configErr(err)
	}
	wrotePolicy, err := writeIfAbsent(policyPath, defaultPolicyTemplate, 0o600)
	if err != nil {
		return configErr(err)
	}
	if err := os.MkdirAll(traceDir, 0o700); err != nil {
		return configErr(fmt.Errorf("setup: create trace dir %s: %w", traceDir, err))
	}

	printResult(map[string]any{
		"config_path":  configPath,
		"policy_path":  policyPath,
		"wrote_config": wroteConfig,
		"wrote_policy": wrotePolicy,
	}, func() {
		if wroteConfig {
			printf("wrote %s\n", configPath)
		} else {
			printf("%s already exists, left unchanged\n", configPath)
		}
		if wrotePolicy {
			printf("wrote %s\n", policyPath)
		} else {
			printf("%s already exists, left unchanged\n", policyPath)
		}
		printf("add a channel under channels: and set allowed_identities before running\n")
	})
	return nil
}

func writeIfAbsent(path, content string, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("setup: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return false, fmt.Errorf("setup: write %s: %w", path, err)
	}
	return true, nil
}
