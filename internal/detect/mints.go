package detect

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogFilterer runs eth_getLogs queries.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// MintSignal reports a token minted by any contract.
type MintSignal struct {
	Height   uint64
	Contract common.Address
	TokenID  *big.Int
	To       common.Address
	TxHash   common.Hash
	LogIndex uint
}

// MintDetector finds ERC-721 Transfer logs originating from the zero address.
type MintDetector struct {
	logs    LogFilterer
	decoder *TransferDecoder
}

// NewMintDetector builds a mint detector over logs.
func NewMintDetector(logs LogFilterer) (*MintDetector, error) {
	dec, err := NewTransferDecoder()
	if err != nil {
		return nil, err
	}
	return &MintDetector{logs: logs, decoder: dec}, nil
}

// Query is the server-side filter for mints at height: Transfer topic with a zero-address sender.
func (m *MintDetector) Query(height uint64) ethereum.FilterQuery {
	h := new(big.Int).SetUint64(height)
	return ethereum.FilterQuery{
		FromBlock: h,
		ToBlock:   h,
		Topics:    [][]common.Hash{{TransferTopic}, {ZeroTopic}},
	}
}

// Detect returns one outcome per log returned for height, in log order.
// Only the log query itself can fail the call.
func (m *MintDetector) Detect(ctx context.Context, height uint64) ([]Outcome[MintSignal], error) {
	logs, err := m.logs.FilterLogs(ctx, m.Query(height))
	if err != nil {
		return nil, fmt.Errorf("filter logs %d: %w", height, err)
	}
	out := make([]Outcome[MintSignal], 0, len(logs))
	for _, lg := range logs {
		out = append(out, m.Classify(height, lg))
	}
	return out, nil
}

// Classify turns a single log found at height into a mint, a skip, or a decode failure.
func (m *MintDetector) Classify(height uint64, lg types.Log) Outcome[MintSignal] {
	if lg.Removed {
		return Skip[MintSignal](ReasonRemoved)
	}
	tr, err := m.decoder.Decode(lg)
	switch {
	case errors.Is(err, ErrTopicCount):
		return Skip[MintSignal](ReasonTopicCount)
	case errors.Is(err, ErrTopicMismatch):
		return Skip[MintSignal](ReasonNotTransfer)
	case err != nil:
		return Fail[MintSignal](fmt.Errorf("decode log %s/%d: %w", lg.TxHash.Hex(), lg.Index, err))
	}
	// Address equality is byte-wise, so the hex case of the source is irrelevant.
	if tr.From != ZeroAddress {
		return Skip[MintSignal](ReasonNotMint)
	}
	return OK(MintSignal{
		Height:   height,
		Contract: tr.Contract,
		TokenID:  tr.TokenID,
		To:       tr.To,
		TxHash:   tr.TxHash,
		LogIndex: tr.LogIndex,
	})
}
