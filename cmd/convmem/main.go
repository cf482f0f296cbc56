// Command convmem runs the conversation memory service and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every command reads the same
// configuration: defaults, then the --config file, then CONVMEM_ variables.
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "convmem",
		Short: "Persistent conversation memory for customer-facing agents",
		Long: `convmem remembers every conversation an agent has with a client and
carries what it learned into the next one.

Use 'convmem [command] --help' for more information.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (optional, env vars override it)")

	cfgPath := func() string { return configPath }
	rootCmd.AddCommand(
		newServeCmd(cfgPath),
		newExportCmd(cfgPath),
		newImportCmd(cfgPath),
		newInsightsCmd(cfgPath),
		newCleanupCmd(cfgPath),
		newBackupCmd(cfgPath),
		newMCPCmd(cfgPath),
	)
	return rootCmd
}
