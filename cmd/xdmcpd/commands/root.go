// Package commands implements the xdmcpd cobra CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configFile is the path passed via --config, shared by every subcommand.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "xdmcpd",
	Short: "XDMCP manager daemon",
	Long:  "xdmcpd answers XDMCP Query/Request/Manage exchanges and manages the resulting X display sessions.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file (YAML)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
