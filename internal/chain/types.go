package chain

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrBlockNotFound is returned when the node has no block at the requested height yet.
var ErrBlockNotFound = errors.New("block not found")

// Block is a block body with the transaction fields the detectors need.
type Block struct {
	Number       uint64
	Hash         common.Hash
	ParentHash   common.Hash
	Transactions []Transaction
}

// Transaction is the chain-agnostic subset of a transaction object.
// To is nil for contract creations; Hash is nil if the node omitted it.
type Transaction struct {
	Hash  *common.Hash
	From  common.Address
	To    *common.Address
	Index uint64
}

// IsCreation reports whether the transaction deploys a contract.
func (t Transaction) IsCreation() bool {
	return t.To == nil
}

// Receipt carries the outcome of a transaction. ContractAddress is set for creations only.
type Receipt struct {
	TxHash          common.Hash
	ContractAddress *common.Address
	Status          uint64
}

// The rpc* types decode the raw JSON-RPC objects without going through
// types.Transaction, which rejects transaction types unknown to go-ethereum
// (L2 deposit transactions, for instance).
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	ParentHash   common.Hash      `json:"parentHash"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash  *common.Hash    `json:"hash"`
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Index *hexutil.Uint64 `json:"transactionIndex"`
}

type rpcReceipt struct {
	TxHash          common.Hash     `json:"transactionHash"`
	ContractAddress *common.Address `json:"contractAddress"`
	Status          *hexutil.Uint64 `json:"status"`
}

func (b *rpcBlock) toBlock() *Block {
	txs := make([]Transaction, 0, len(b.Transactions))
	for i, tx := range b.Transactions {
		out := Transaction{
			Hash:  tx.Hash,
			To:    tx.To,
			Index: uint64(i),
		}
		if tx.From != nil {
			out.From = *tx.From
		}
		if tx.Index != nil {
			out.Index = uint64(*tx.Index)
		}
		txs = append(txs, out)
	}
	return &Block{
		Number:       uint64(b.Number),
		Hash:         b.Hash,
		ParentHash:   b.ParentHash,
		Transactions: txs,
	}
}

func (r *rpcReceipt) toReceipt() *Receipt {
	out := &Receipt{
		TxHash:          r.TxHash,
		ContractAddress: r.ContractAddress,
	}
	if r.Status != nil {
		out.Status = uint64(*r.Status)
	}
	return out
}
