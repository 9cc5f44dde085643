package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/detect"
	"github.com/spf13/cobra"
)

var (
	flagScanSource string
	flagScanBlock  uint64
)

func init() {
	scanCmd.Flags().StringVar(&flagScanSource, "source", "", "Source id (defaults to the first configured source)")
	scanCmd.Flags().Uint64Var(&flagScanBlock, "block", 0, "Block height to scan")
	_ = scanCmd.MarkFlagRequired("block")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect deployments and mints in a single block and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		src := cfg.Sources[0]
		if flagScanSource != "" {
			var ok bool
			if src, ok = cfg.SourceByID(flagScanSource); !ok {
				return fmt.Errorf("unknown source: %s", flagScanSource)
			}
		}

		cli, err := dialSource(cmd.Context(), src, nil)
		if err != nil {
			return err
		}
		defer cli.Close()

		proc, err := newProcessor(cfg, src, cli, nil, newLogger(), nil)
		if err != nil {
			return err
		}
		res, err := proc.Detect(cmd.Context(), flagScanBlock)
		if err != nil {
			if res != nil {
				printBlockResult(cmd.OutOrStdout(), src.ID, res)
			}
			return fmt.Errorf("scan block %d: %w", flagScanBlock, err)
		}
		printBlockResult(cmd.OutOrStdout(), src.ID, res)
		if len(res.Failures) > 0 {
			return fmt.Errorf("scan block %d: %w", flagScanBlock, errors.Join(res.Failures...))
		}
		return nil
	},
}

func printBlockResult(out io.Writer, sourceID string, res *detect.BlockResult) {
	fmt.Fprintf(out, "source %s block %d (%s)\n", sourceID, res.Height, res.Hash.Hex())
	for _, d := range res.Deployments {
		fmt.Fprintf(out, "  deployment contract=%s deployer=%s tx=%s\n", d.Contract.Hex(), d.Deployer.Hex(), d.TxHash.Hex())
	}
	for _, m := range res.Mints {
		fmt.Fprintf(out, "  mint contract=%s token_id=%s to=%s tx=%s log=%d\n", m.Contract.Hex(), m.TokenID, m.To.Hex(), m.TxHash.Hex(), m.LogIndex)
	}

	reasons := make([]string, 0, len(res.Skipped))
	for r := range res.Skipped {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(out, "  skipped %s=%d\n", r, res.Skipped[r])
	}
	fmt.Fprintf(out, "%d deployment(s), %d mint(s), %d failure(s)\n", len(res.Deployments), len(res.Mints), len(res.Failures))
}
