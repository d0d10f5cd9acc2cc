package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/model"
	"github.com/sentinel-hq/sentinel/internal/policy"
)

var (
	policyTestPrompt  string
	policyTestType    string
	policyTestExplain bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate or dry-run a policy file",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Load and validate a policy file (defaults to the configured policy_path)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyValidate,
}

var policyTestCmd = &cobra.Command{
	Use:   "test <file>",
	Short: "Evaluate one synthetic prompt against a policy file without touching live state",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyTest,
}

func init() {
	policyTestCmd.Flags().StringVar(&policyTestPrompt, "prompt", "", "excerpt text to evaluate")
	policyTestCmd.Flags().StringVar(&policyTestType, "type", string(model.KindFreeText), "prompt kind: YES_NO|CONFIRM_ENTER|NUMBERED_CHOICE|FREE_TEXT|PASSWORD|RAW_TERMINAL")
	policyTestCmd.Flags().BoolVar(&policyTestExplain, "explain", false, "print every rule evaluated and why it matched or not")
	policyCmd.AddCommand(policyValidateCmd, policyTestCmd)
}

func resolvePolicyPathArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return policyPathFromConfig()
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	path, err := resolvePolicyPathArg(args)
	if err != nil {
		return configErr(err)
	}

	p, err := policy.Load(path)
	if err != nil {
		return policyErr(fmt.Errorf("policy validate: %w", err))
	}

	printResult(map[string]any{"valid": true, "rules": len(p.Rules)}, func() {
		printf("policy %s is valid (%d rules)\n", path, len(p.Rules))
	})
	return nil
}

func runPolicyTest(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return policyErr(fmt.Errorf("policy test: %w", err))
	}
	if policyTestPrompt == "" {
		return usageErr(fmt.Errorf("policy test: --prompt is required"))
	}

	ctx := policy.EvalContext{
		Kind:       model.PromptKind(policyTestType),
		Confidence: model.ConfidenceMed,
		Excerpt:    policyTestPrompt,
	}
	limiter := policy.NewLimiter()
	decision := policy.Evaluate(p, ctx, time.Now(), limiter)

	printResult(decision, func() {
		printf("action: %s\n", decision.Action)
		if decision.Value != "" {
			printf("value:  %q\n", decision.Value)
		}
		printf("rule:   %s\n", decision.RuleID)
		printf("reason: %s\n", decision.Reason)
		if policyTestExplain {
			printf("\nrule evaluations:\n")
			for _, re := range decision.RuleEvaluations {
				status := "no match"
				if re.Matched {
					status = "MATCHED"
				}
				if re.FailingCriterion != "" {
					status = fmt.Sprintf("no match (%s)", re.FailingCriterion)
				}
				printf("  %-24s %s\n", re.RuleID, status)
			}
		}
	})
	return nil
}
