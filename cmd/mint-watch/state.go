package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/storage"
	"github.com/spf13/cobra"
)

var flagStateLag bool

func init() {
	stateCmd.Flags().BoolVar(&flagStateLag, "lag", false, "Query each source's head and show processing lag")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show processed heights per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		heights, err := store.ListHeights(cmd.Context())
		if err != nil {
			return err
		}

		heads := map[string]uint64{}
		if flagStateLag {
			for _, src := range cfg.Sources {
				if head, err := sourceHead(cmd.Context(), src); err == nil {
					heads[src.ID] = head
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "source %s: %v\n", src.ID, err)
				}
			}
		}
		return printState(cmd.OutOrStdout(), heights, heads)
	},
}

func sourceHead(ctx context.Context, src config.Source) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	cli, err := dialSource(ctx, src, nil)
	if err != nil {
		return 0, err
	}
	defer cli.Close()
	return cli.BlockNumber(ctx)
}

func printState(out io.Writer, heights []storage.Height, heads map[string]uint64) error {
	if len(heights) == 0 {
		fmt.Fprintln(out, "no blocks processed yet")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tHEIGHT\tHASH\tUPDATED\tLAG")
	for _, h := range heights {
		lag := "-"
		if head, ok := heads[h.SourceID]; ok && head >= h.Height {
			lag = fmt.Sprintf("%d", head-h.Height)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", h.SourceID, h.Height, h.Hash, h.UpdatedAt.UTC().Format(time.RFC3339), lag)
	}
	return tw.Flush()
}
