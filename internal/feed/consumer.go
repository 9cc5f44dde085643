package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ethereum/go-ethereum"
)

// HeightSubscriber delivers new block heights.
type HeightSubscriber interface {
	SubscribeHeights(ctx context.Context, ch chan<- uint64) (ethereum.Subscription, error)
}

// BlockProcessor handles a single height. It must not panic on failure; errors are its own concern.
type BlockProcessor interface {
	ProcessBlock(ctx context.Context, height uint64)
}

// Options configures a Consumer.
type Options struct {
	// MaxInFlight bounds how many heights are processed at once.
	MaxInFlight int
	// Confirmations delays processing: a notified height h processes h-Confirmations.
	Confirmations uint64
	// StopAt ends the run once a height >= StopAt has been dispatched. Zero runs forever.
	StopAt uint64
	// ResubscribeBackoff is the initial delay before resubscribing after a subscription error.
	ResubscribeBackoff time.Duration
}

// Consumer turns a stream of height notifications into ProcessBlock calls.
type Consumer struct {
	subscriber HeightSubscriber
	processor  BlockProcessor
	opts       Options
	log        *slog.Logger
}

// NewConsumer builds a consumer. log may be nil.
func NewConsumer(subscriber HeightSubscriber, processor BlockProcessor, opts Options, log *slog.Logger) *Consumer {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.ResubscribeBackoff <= 0 {
		opts.ResubscribeBackoff = time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{
		subscriber: subscriber,
		processor:  processor,
		opts:       opts,
		log:        log,
	}
}

var errStopReached = errors.New("stop height reached")

// Run subscribes and dispatches heights until ctx is cancelled (or StopAt is reached).
// Subscription failures are retried; they never end the run. In-flight blocks are
// waited for before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscriber == nil || c.processor == nil {
		return fmt.Errorf("consumer requires a subscriber and a processor")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, c.opts.MaxInFlight)
	retry := c.newBackOff()
	var last uint64

	for {
		err := c.consume(ctx, sem, &wg, &last, retry.Reset)
		switch {
		case errors.Is(err, errStopReached):
			c.log.Info("stop height reached", "stop_at", c.opts.StopAt)
			return nil
		case ctx.Err() != nil:
			return nil
		}

		delay := retry.NextBackOff()
		c.log.Warn("block subscription lost; resubscribing", "error", err, "backoff", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

const (
	maxResubscribeBackoff = time.Minute
	// maxCatchUp bounds how many missed heights are replayed after a resubscription.
	maxCatchUp = 256
)

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ResubscribeBackoff
	b.MaxInterval = maxResubscribeBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// consume runs one subscription until it fails, ctx ends or the stop height is hit.
// last holds the highest height notified so far across subscriptions; heights
// skipped between two subscriptions are replayed before the first new one.
// onHeight is called whenever the subscription delivers a height.
func (c *Consumer) consume(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, last *uint64, onHeight func()) error {
	heights := make(chan uint64)
	sub, err := c.subscriber.SubscribeHeights(ctx, heights)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()
	c.log.Info("listening for new blocks")

	resumed := *last > 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case h := <-heights:
			onHeight()
			from := h
			if resumed && h > *last+1 {
				from = *last + 1
				if h-from > maxCatchUp {
					c.log.Warn("too many heights missed while resubscribing; skipping older ones",
						"from", from, "to", h-1, "replayed", maxCatchUp)
					from = h - maxCatchUp
				}
			}
			resumed = false
			if h > *last {
				*last = h
			}
			for n := from; n <= h; n++ {
				if err := c.dispatch(ctx, sem, wg, n); err != nil {
					return err
				}
			}
		}
	}
}

// dispatch schedules processing for notified height h, honoring confirmations and StopAt.
func (c *Consumer) dispatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, h uint64) error {
	if h < c.opts.Confirmations {
		return nil
	}
	target := h - c.opts.Confirmations

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		c.processor.ProcessBlock(ctx, target)
	}()

	if c.opts.StopAt > 0 && target >= c.opts.StopAt {
		return errStopReached
	}
	return nil
}
