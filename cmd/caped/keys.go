package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"capeledger/internal/transactions"
)

func newKeysCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Compile the circuits and generate or load their Groth16 keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.KeyDir == "" {
				return fmt.Errorf("key_dir must be set to persist keys")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			start := time.Now()
			keys, err := transactions.Setup(cfg.TreeDepth, cfg.TransferShapes, cfg.KeyDir, log.Zerolog())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keys for depth %d ready in %s (%d transfer shapes) under %s\n",
				keys.Depth, time.Since(start).Round(time.Millisecond), len(keys.Shapes()), cfg.KeyDir)
			return nil
		},
	}
}
