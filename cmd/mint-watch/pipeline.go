package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devblac/mint-watch/internal/chain"
	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/detect"
	"github.com/devblac/mint-watch/internal/metrics"
)

func processorOptions(cfg *config.Config, src config.Source) (detect.Options, error) {
	id, err := detect.ParseInterfaceID(cfg.Detect.InterfaceID)
	if err != nil {
		return detect.Options{}, err
	}
	return detect.Options{
		SourceID:     src.ID,
		Deployments:  cfg.Detect.DeploymentsEnabled(),
		Mints:        cfg.Detect.MintsEnabled(),
		InterfaceID:  id,
		Concurrency:  cfg.Global.Concurrency,
		BlockRetries: cfg.Global.BlockRetries,
		RetryBackoff: cfg.Global.RetryBackoff.Std(),
		ProbeTimeout: cfg.Global.ProbeTimeout.Std(),
	}, nil
}

// dialSource connects to src. log may be nil.
func dialSource(ctx context.Context, src config.Source, log *slog.Logger) (*chain.Client, error) {
	cli, err := chain.Dial(ctx, src.RPCURL, chain.Options{
		WSURL:        src.WSURL,
		PollInterval: src.PollInterval.Std(),
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}
	return cli, nil
}

// newProcessor wires the detectors of one source over its client.
func newProcessor(cfg *config.Config, src config.Source, cli *chain.Client, reporter detect.Reporter, log *slog.Logger, mtr *metrics.Metrics) (*detect.Processor, error) {
	opts, err := processorOptions(cfg, src)
	if err != nil {
		return nil, err
	}
	proc, err := detect.NewProcessor(cli, reporter, opts, log, mtr)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}
	return proc, nil
}
