// fngate runs untrusted Python functions behind a permission gate.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fngate/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fngate",
	Short: "Permission-gated sandbox for untrusted Python functions.",
	Long: `fngate executes untrusted Python functions in isolated child processes.
Every call is checked against a per-function permission level, full-level
calls need an explicit confirmation, and every outcome is returned as a
structured result. Functions can also be dry-run with a shorter timeout,
and their output validated against a JSON-schema subset.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		execCmd,
		testCmd,
		historyCmd,
		validateCmd,
		simulateCmd,
		permissionCmd,
		mcpCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
