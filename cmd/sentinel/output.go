package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// jsonOutput is bound to the global --json flag on rootCmd.
var jsonOutput bool

// printResult renders v as JSON when --json is set, otherwise calls
// human to print the operator-facing text form.
func printResult(v any, human func()) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	human()
}

func printf(format string, args ...any) {
	if jsonOutput {
		return
	}
	fmt.Printf(format, args...)
}
