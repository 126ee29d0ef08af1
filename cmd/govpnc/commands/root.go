// Package commands wires the govpnc process roles: the supervisor, the
// privileged security module and the per-client worker all run from the
// same binary under different subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the shared --config flag.
var configPath string

// rootCmd is the top-level cobra command for govpnc.
var rootCmd = &cobra.Command{
	Use:   "govpnc",
	Short: "VPN concentrator session and admission core",
	Long: "govpnc terminates TLS client tunnels, authenticates users, assigns\n" +
		"virtual addresses and provisions per-session tunnel interfaces. It runs\n" +
		"as a privilege-separated fleet: a supervisor, a security module and one\n" +
		"worker per client, all from this binary.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(secModCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
