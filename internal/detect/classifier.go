package detect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Conformance is the two-outcome result of an interface probe.
type Conformance int

const (
	DoesNotConform Conformance = iota
	Conforms
)

func (c Conformance) String() string {
	if c == Conforms {
		return "conforms"
	}
	return "does_not_conform"
}

// Classifier decides whether a contract implements an interface through ERC-165.
type Classifier struct {
	caller      ContractCaller
	abi         *abi.ABI
	interfaceID [4]byte
	timeout     time.Duration
	log         *slog.Logger
}

// NewClassifier builds a classifier probing for interfaceID. A zero timeout disables the per-probe deadline.
func NewClassifier(caller ContractCaller, interfaceID [4]byte, timeout time.Duration, log *slog.Logger) (*Classifier, error) {
	parsed, err := ERC721ABI()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Classifier{
		caller:      caller,
		abi:         parsed,
		interfaceID: interfaceID,
		timeout:     timeout,
		log:         log,
	}, nil
}

// Classify probes addr for the configured interface.
func (c *Classifier) Classify(ctx context.Context, addr common.Address) Conformance {
	if c.SupportsInterface(ctx, addr, c.interfaceID) {
		return Conforms
	}
	return DoesNotConform
}

// SupportsInterface reports whether supportsInterface(id) on addr returns true.
// Reverts, empty or malformed returns and transport errors all read as false.
func (c *Classifier) SupportsInterface(ctx context.Context, addr common.Address, id [4]byte) bool {
	ok, err := c.probe(ctx, addr, id)
	if err != nil {
		c.log.Debug("interface probe failed", "contract", addr.Hex(), "error", err)
		return false
	}
	return ok
}

func (c *Classifier) probe(ctx context.Context, addr common.Address, id [4]byte) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	input, err := c.abi.Pack("supportsInterface", id)
	if err != nil {
		return false, fmt.Errorf("pack supportsInterface: %w", err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return false, fmt.Errorf("call supportsInterface: %w", err)
	}
	values, err := c.abi.Unpack("supportsInterface", out)
	if err != nil {
		return false, fmt.Errorf("unpack supportsInterface: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unpack supportsInterface: got %d values", len(values))
	}
	supported, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack supportsInterface: unexpected type %T", values[0])
	}
	return supported, nil
}
