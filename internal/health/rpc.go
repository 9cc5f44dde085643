package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// HeadReader is the part of a chain client the RPC check needs.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker combines the RPC health checks of every source.
type RPCChecker struct {
	clients map[string]HeadReader
}

// NewRPCChecker creates a checker for multiple RPC sources.
func NewRPCChecker(clients map[string]HeadReader) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping checks all configured RPC endpoints and reports every failing source.
func (c *RPCChecker) Ping(ctx context.Context) error {
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if _, err := c.clients[id].BlockNumber(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
