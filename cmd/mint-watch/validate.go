package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/spf13/cobra"
)

const validateTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		failures := 0
		for _, src := range cfg.Sources {
			chainID, head, err := pingSource(cmd.Context(), src)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- source %s: ERROR %v\n", src.ID, err)
				continue
			}
			fmt.Fprintf(out, "- source %s: chainId %s head %d OK\n", src.ID, chainID, head)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d source(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingSource(ctx context.Context, src config.Source) (string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	cli, err := dialSource(ctx, src, nil)
	if err != nil {
		return "", 0, err
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("eth_chainId: %w", err)
	}
	head, err := cli.BlockNumber(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return id.String(), head, nil
}
