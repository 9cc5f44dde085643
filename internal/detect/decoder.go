package detect

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTopicCount marks a log whose topic count does not fit an ERC-721 Transfer.
	ErrTopicCount = errors.New("unexpected topic count")
	// ErrTopicMismatch marks a log whose topic0 is not the Transfer signature.
	ErrTopicMismatch = errors.New("topic0 is not Transfer")
)

// transferTopics is topic0 plus the three indexed arguments.
const transferTopics = 4

// Transfer is a decoded ERC-721 Transfer log.
type Transfer struct {
	Contract common.Address
	From     common.Address
	To       common.Address
	TokenID  *big.Int
	TxHash   common.Hash
	LogIndex uint
	Height   uint64
}

// TransferDecoder decodes Transfer(address,address,uint256) logs with all three arguments indexed.
type TransferDecoder struct {
	indexed    abi.Arguments
	nonIndexed abi.Arguments
}

// NewTransferDecoder builds a decoder from the embedded ERC-721 ABI.
func NewTransferDecoder() (*TransferDecoder, error) {
	parsed, err := ERC721ABI()
	if err != nil {
		return nil, err
	}
	ev, ok := parsed.Events["Transfer"]
	if !ok {
		return nil, errors.New("erc721 abi: Transfer event missing")
	}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	return &TransferDecoder{indexed: indexed, nonIndexed: nonIndexed}, nil
}

// Decode checks the log shape before decoding; a log that is not a four-topic
// Transfer is rejected with ErrTopicCount or ErrTopicMismatch and never decoded.
func (d *TransferDecoder) Decode(lg types.Log) (Transfer, error) {
	if len(lg.Topics) != transferTopics {
		return Transfer{}, fmt.Errorf("%w: %d", ErrTopicCount, len(lg.Topics))
	}
	if lg.Topics[0] != TransferTopic {
		return Transfer{}, ErrTopicMismatch
	}

	args := map[string]any{}
	if err := abi.ParseTopicsIntoMap(args, d.indexed, lg.Topics[1:]); err != nil {
		return Transfer{}, fmt.Errorf("parse topics: %w", err)
	}
	if err := d.nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return Transfer{}, fmt.Errorf("unpack data: %w", err)
	}

	from, ok := args["from"].(common.Address)
	if !ok {
		return Transfer{}, fmt.Errorf("decode from: unexpected type %T", args["from"])
	}
	to, ok := args["to"].(common.Address)
	if !ok {
		return Transfer{}, fmt.Errorf("decode to: unexpected type %T", args["to"])
	}
	tokenID, ok := args["tokenId"].(*big.Int)
	if !ok {
		return Transfer{}, fmt.Errorf("decode tokenId: unexpected type %T", args["tokenId"])
	}

	return Transfer{
		Contract: lg.Address,
		From:     from,
		To:       to,
		TokenID:  tokenID,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
		Height:   lg.BlockNumber,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
