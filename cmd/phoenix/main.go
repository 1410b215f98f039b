// Package main provides the phoenix binary: workers, the orchestrator,
// the HTTP control plane, and the watchdog, all driven from one CLI
// against a shared store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
