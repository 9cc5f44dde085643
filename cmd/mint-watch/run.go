package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/engine"
	"github.com/devblac/mint-watch/internal/feed"
	"github.com/devblac/mint-watch/internal/health"
	"github.com/devblac/mint-watch/internal/metrics"
	"github.com/devblac/mint-watch/internal/sink"
	"github.com/devblac/mint-watch/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagDryRun  bool
	flagTo      uint64
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Detect and log only; do not store or send to sinks")
	runCmd.Flags().Uint64Var(&flagTo, "to", 0, "Stop once this height has been dispatched (inclusive)")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow every source and report deployments and mints",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		sinks, err := sink.BuildAll(ctx, cfg.Sinks)
		if err != nil {
			return err
		}
		defer sink.CloseAll(sinks)

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			srv := &http.Server{Addr: flagMetrics, Handler: metricsMux(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer shutdownServer(srv)
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		consumers := make([]*feed.Consumer, 0, len(cfg.Sources))
		heads := map[string]health.HeadReader{}
		for _, src := range cfg.Sources {
			cli, err := dialSource(ctx, src, log)
			if err != nil {
				return err
			}
			defer cli.Close()
			heads[src.ID] = cli

			reporter, err := engine.NewReporter(src.ID, store, cfg.Alerts, sinks, flagDryRun, log, mtr)
			if err != nil {
				return err
			}
			proc, err := newProcessor(cfg, src, cli, reporter, log, mtr)
			if err != nil {
				return err
			}
			consumers = append(consumers, feed.NewConsumer(cli, proc, feed.Options{
				MaxInFlight:   cfg.Global.MaxInFlightBlocks,
				Confirmations: src.Confirmations,
				StopAt:        flagTo,
			}, log.With("source", src.ID)))
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(heads)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
				Heights: func(ctx context.Context) (map[string]uint64, error) {
					return processedHeights(ctx, store)
				},
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		log.Info("mint-watch started", "sources", len(consumers), "dry_run", flagDryRun)
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range consumers {
			c := c
			g.Go(func() error { return c.Run(gctx) })
		}
		err = g.Wait()
		log.Info("mint-watch stopped")
		return err
	},
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func processedHeights(ctx context.Context, store *storage.Store) (map[string]uint64, error) {
	heights, err := store.ListHeights(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(heights))
	for _, h := range heights {
		out[h.SourceID] = h.Height
	}
	return out, nil
}
