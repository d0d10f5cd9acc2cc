package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/policy"
	"github.com/sentinel-hq/sentinel/internal/scheduler"
	"github.com/sentinel-hq/sentinel/internal/store"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, policy, store, and lock health",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "attempt to repair recoverable problems")
}

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Fixed  bool   `json:"fixed,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []doctorCheck
	healthy := true

	cfgCheck := doctorCheck{Name: "config"}
	info, statErr := os.Stat(configPath)
	if statErr != nil {
		cfgCheck.Detail = statErr.Error()
	} else if info.Mode().Perm()&0o077 != 0 {
		cfgCheck.Detail = fmt.Sprintf("%s is readable by group/other", configPath)
		if doctorFix {
			if err := os.Chmod(configPath, 0o600); err == nil {
				cfgCheck.Fixed = true
				cfgCheck.OK = true
			}
		}
	} else {
		cfgCheck.OK = true
	}
	checks = append(checks, cfgCheck)
	healthy = healthy && cfgCheck.OK

	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		checks = append(checks, doctorCheck{Name: "config_parse", OK: false, Detail: cfgErr.Error()})
		healthy = false
	} else {
		checks = append(checks, doctorCheck{Name: "config_parse", OK: true})

		policyCheck := doctorCheck{Name: "policy"}
		if _, err := policy.Load(cfg.PolicyPath); err != nil {
			policyCheck.Detail = err.Error()
		} else {
			policyCheck.OK = true
		}
		checks = append(checks, policyCheck)
		healthy = healthy && policyCheck.OK

		storeCheck := doctorCheck{Name: "store"}
		if st, err := store.Open(cfg.Store.Path); err != nil {
			storeCheck.Detail = err.Error()
		} else {
			storeCheck.OK = true
			st.Close()
		}
		checks = append(checks, storeCheck)
		healthy = healthy && storeCheck.OK

		lockCheck := doctorCheck{Name: "instance_lock"}
		lockPath := cfg.Store.Path + ".lock"
		lock, err := scheduler.Acquire(lockPath)
		if err != nil {
			lockCheck.Detail = err.Error()
			if doctorFix {
				lockCheck.Detail += " (stale-lock reap already attempted automatically by Acquire)"
			}
		} else {
			lockCheck.OK = true
			_ = lock.Release()
		}
		checks = append(checks, lockCheck)
		healthy = healthy && lockCheck.OK
	}

	printResult(map[string]any{"healthy": healthy, "checks": checks}, func() {
		for _, c := range checks {
			status := "OK"
			if !c.OK {
				status = "FAIL"
			}
			if c.Fixed {
				status = "FIXED"
			}
			printf("%-16s %-5s %s\n", c.Name, status, c.Detail)
		}
	})

	if !healthy {
		return lifecycleErr(fmt.Errorf("doctor: one or more checks failed"))
	}
	return nil
}
