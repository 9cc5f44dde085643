package detect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/devblac/mint-watch/internal/chain"
	"github.com/devblac/mint-watch/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
)

// ChainReader is everything the processor needs from the chain data source.
type ChainReader interface {
	BlockByNumber(ctx context.Context, height uint64) (*chain.Block, error)
	ReceiptFetcher
	LogFilterer
	ContractCaller
}

// Reporter receives the signals of a block. Each signal is handed over exactly once per detection.
type Reporter interface {
	ReportDeployment(ctx context.Context, sig DeploymentSignal) error
	ReportMint(ctx context.Context, sig MintSignal) error
	BlockProcessed(ctx context.Context, height uint64, hash common.Hash) error
}

// Options configures a Processor.
type Options struct {
	SourceID     string
	Deployments  bool
	Mints        bool
	InterfaceID  [4]byte
	Concurrency  int
	BlockRetries int
	RetryBackoff time.Duration
	ProbeTimeout time.Duration
}

// DefaultOptions enables both detectors for ERC-721.
func DefaultOptions(sourceID string) Options {
	return Options{
		SourceID:     sourceID,
		Deployments:  true,
		Mints:        true,
		InterfaceID:  ERC721InterfaceID,
		Concurrency:  8,
		BlockRetries: 3,
		RetryBackoff: 500 * time.Millisecond,
		ProbeTimeout: 5 * time.Second,
	}
}

// BlockResult is everything detected in one block, in transaction/log order.
type BlockResult struct {
	Height      uint64
	Hash        common.Hash
	Deployments []DeploymentSignal
	Mints       []MintSignal
	Skipped     map[string]int
	Failures    []error
}

// Processor runs the deployment and mint detectors for single blocks.
type Processor struct {
	reader      ChainReader
	reporter    Reporter
	opts        Options
	deployments *DeploymentDetector
	mints       *MintDetector
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewProcessor wires the detectors over reader. reporter, log and mtr may be nil.
func NewProcessor(reader ChainReader, reporter Reporter, opts Options, log *slog.Logger, mtr *metrics.Metrics) (*Processor, error) {
	if reader == nil {
		return nil, fmt.Errorf("chain reader is nil")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("source", opts.SourceID)

	classifier, err := NewClassifier(reader, opts.InterfaceID, opts.ProbeTimeout, log)
	if err != nil {
		return nil, err
	}
	mints, err := NewMintDetector(reader)
	if err != nil {
		return nil, err
	}
	return &Processor{
		reader:      reader,
		reporter:    reporter,
		opts:        opts,
		deployments: NewDeploymentDetector(reader, classifier, opts.Concurrency),
		mints:       mints,
		log:         log,
		metrics:     mtr,
	}, nil
}

// Detect fetches the block at height and runs the enabled detectors. It only
// returns an error when the block or its logs could not be fetched; per-item
// failures are collected in the result. When only the logs fail, the result
// holding the block's deployments is returned along with the error.
func (p *Processor) Detect(ctx context.Context, height uint64) (*BlockResult, error) {
	var block *chain.Block
	err := chain.WithRetry(ctx, p.opts.BlockRetries, p.opts.RetryBackoff, func(ctx context.Context) error {
		var err error
		block, err = p.reader.BlockByNumber(ctx, height)
		if err != nil {
			p.log.Debug("block fetch failed", "height", height, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &BlockResult{
		Height:  height,
		Hash:    block.Hash,
		Skipped: map[string]int{},
	}

	if p.opts.Deployments {
		for _, o := range p.deployments.Detect(ctx, block) {
			if sig, ok := collect(res, o); ok {
				res.Deployments = append(res.Deployments, sig)
			}
		}
	}

	if p.opts.Mints {
		var outcomes []Outcome[MintSignal]
		err := chain.WithRetry(ctx, p.opts.BlockRetries, p.opts.RetryBackoff, func(ctx context.Context) error {
			var err error
			outcomes, err = p.mints.Detect(ctx, height)
			return err
		})
		if err != nil {
			// Deployments already found stay in res for the caller to report.
			return res, fmt.Errorf("mint logs: %w", err)
		}
		for _, o := range outcomes {
			if sig, ok := collect(res, o); ok {
				res.Mints = append(res.Mints, sig)
			}
		}
	}

	return res, nil
}

func collect[T any](res *BlockResult, o Outcome[T]) (T, bool) {
	switch o.Status {
	case StatusOK:
		return o.Value, true
	case StatusSkip:
		res.Skipped[o.Reason]++
	case StatusFail:
		res.Failures = append(res.Failures, o.Err)
	}
	var zero T
	return zero, false
}

// ProcessBlock detects and reports the signals of one block. Failures are
// logged and counted here; nothing is returned so a bad height never stops the caller.
func (p *Processor) ProcessBlock(ctx context.Context, height uint64) {
	start := time.Now()
	p.log.Debug("processing block", "height", height)

	res, err := p.Detect(ctx, height)
	if err != nil {
		p.metrics.BlockFailed()
		p.log.Error("block processing failed", "height", height, "error", err)
		if res == nil {
			return
		}
	}

	for _, ferr := range res.Failures {
		p.log.Warn("item skipped on error", "height", height, "error", ferr)
	}
	for reason, n := range res.Skipped {
		p.metrics.Skipped(reason, n)
	}
	p.metrics.ItemFailures(len(res.Failures))
	p.metrics.Deployments(len(res.Deployments))
	p.metrics.Mints(len(res.Mints))

	if p.reporter != nil {
		for _, sig := range res.Deployments {
			if err := p.reporter.ReportDeployment(ctx, sig); err != nil {
				p.metrics.Errors()
				p.log.Error("report deployment", "height", height, "contract", sig.Contract.Hex(), "error", err)
			}
		}
		for _, sig := range res.Mints {
			if err := p.reporter.ReportMint(ctx, sig); err != nil {
				p.metrics.Errors()
				p.log.Error("report mint", "height", height, "contract", sig.Contract.Hex(), "token_id", sig.TokenID, "error", err)
			}
		}
	}
	// A partially processed height is not recorded.
	if err != nil {
		return
	}
	if p.reporter != nil {
		if err := p.reporter.BlockProcessed(ctx, height, res.Hash); err != nil {
			p.metrics.Errors()
			p.log.Error("record processed height", "height", height, "error", err)
		}
	}

	p.metrics.BlockProcessed(time.Since(start))
	p.log.Info("block processed",
		"height", height,
		"deployments", len(res.Deployments),
		"mints", len(res.Mints),
		"failures", len(res.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
