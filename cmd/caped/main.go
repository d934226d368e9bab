// caped runs a CAPE ledger node: it escrows deposits, validates relayed blocks of
// shielded transactions, serves the ledger over HTTP and replicates it to followers.
//
// Usage:
//
//	caped run --config caped.yaml
//	caped status --addr http://localhost:8545
//	caped export --config caped.yaml --out snapshot.json
//	caped keys --config caped.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "caped",
		Short:         "CAPE shielded-asset ledger node",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "caped.json",
		"configuration file (.json, .yaml or .yml); created with defaults if missing")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newStatusCmd(),
		newExportCmd(&configPath),
		newKeysCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
