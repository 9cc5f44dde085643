package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

const defaultPollInterval = 2 * time.Second

// Options tunes how a Client follows the chain head.
type Options struct {
	// WSURL, when set, is dialed for newHeads subscriptions.
	WSURL string
	// PollInterval is used when no subscription endpoint is available.
	PollInterval time.Duration
	// Logger receives poll failures. Nil discards them.
	Logger *slog.Logger
}

// Client wraps go-ethereum RPC and exposes the chain data the pipeline consumes.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	wsClient  *ethclient.Client

	pollInterval time.Duration
	log          *slog.Logger
}

// Dial connects to an EVM node over rpcURL and, if configured, a websocket endpoint.
func Dial(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}

	c := &Client{
		rpcClient:    rpcClient,
		ethClient:    ethclient.NewClient(rpcClient),
		pollInterval: opts.PollInterval,
		log:          opts.Logger,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.WSURL != "" {
		ws, err := ethclient.DialContext(ctx, opts.WSURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("dial evm ws: %w", err)
		}
		c.wsClient = ws
	}
	return c, nil
}

// Close closes the underlying RPC connections.
func (c *Client) Close() {
	if c.wsClient != nil {
		c.wsClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// BlockByNumber returns the block at height with its transactions.
func (c *Client) BlockByNumber(ctx context.Context, height uint64) (*Block, error) {
	var raw *rpcBlock
	if err := c.rpcClient.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(height), true); err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("get block %d: %w", height, ErrBlockNotFound)
	}
	return raw.toBlock(), nil
}

// TransactionReceipt returns the receipt for hash, or nil if the node does not know it.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var raw *rpcReceipt
	if err := c.rpcClient.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.toReceipt(), nil
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.ethClient.FilterLogs(ctx, q)
}

// CallContract performs an eth_call against blockNumber (nil means latest).
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// SubscribeHeights delivers new block heights to ch. With a websocket endpoint it
// follows newHeads; otherwise it polls eth_blockNumber and emits every height it
// has not emitted yet.
func (c *Client) SubscribeHeights(ctx context.Context, ch chan<- uint64) (ethereum.Subscription, error) {
	if c.wsClient != nil {
		return c.subscribeHeads(ctx, ch)
	}
	return c.pollHeights(ctx, ch)
}

func (c *Client) subscribeHeads(ctx context.Context, ch chan<- uint64) (ethereum.Subscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := c.wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				return err
			case h := <-headers:
				if h == nil || h.Number == nil {
					continue
				}
				select {
				case ch <- h.Number.Uint64():
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (c *Client) pollHeights(ctx context.Context, ch chan<- uint64) (ethereum.Subscription, error) {
	last, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	interval := c.pollInterval
	return event.NewSubscription(func(quit <-chan struct{}) error {
		pollCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-pollCtx.Done():
			}
		}()

		// The head at subscription time is delivered first.
		next := last
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for ; next <= last; next++ {
				select {
				case ch <- next:
				case <-quit:
					return nil
				}
			}
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}
			head, err := c.ethClient.BlockNumber(pollCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				// Keep last so the next successful poll emits every height since.
				c.log.Warn("poll block number failed", "error", err, "last", last)
				continue
			}
			if head > last {
				last = head
			}
		}
	}), nil
}
