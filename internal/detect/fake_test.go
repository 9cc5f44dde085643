package detect

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/devblac/mint-watch/internal/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errRevert = errors.New("execution reverted")

// fakeChain is an in-memory chain data source.
type fakeChain struct {
	mu sync.Mutex

	blocks     map[uint64]*chain.Block
	blockErr   error
	receipts   map[common.Hash]*chain.Receipt
	receiptErr map[common.Hash]error
	logs       map[uint64][]types.Log
	logsErr    error
	// erc721 lists contracts answering true for ERC721InterfaceID; reverting
	// contracts return errRevert; all others return an empty result.
	erc721    map[common.Address]bool
	reverting map[common.Address]bool

	receiptCalls map[common.Hash]int
	queries      []ethereum.FilterQuery
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:       map[uint64]*chain.Block{},
		receipts:     map[common.Hash]*chain.Receipt{},
		receiptErr:   map[common.Hash]error{},
		logs:         map[uint64][]types.Log{},
		erc721:       map[common.Address]bool{},
		reverting:    map[common.Address]bool{},
		receiptCalls: map[common.Hash]int{},
	}
}

func (f *fakeChain) BlockByNumber(_ context.Context, height uint64) (*chain.Block, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	b, ok := f.blocks[height]
	if !ok {
		return nil, fmt.Errorf("get block %d: %w", height, chain.ErrBlockNotFound)
	}
	return b, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	f.receiptCalls[hash]++
	f.mu.Unlock()
	if err := f.receiptErr[hash]; err != nil {
		return nil, err
	}
	return f.receipts[hash], nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs[q.FromBlock.Uint64()], nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	addr := *msg.To
	if f.reverting[addr] {
		return nil, errRevert
	}
	if !f.erc721[addr] {
		return nil, nil
	}
	parsed, err := ERC721ABI()
	if err != nil {
		return nil, err
	}
	var id [4]byte
	copy(id[:], msg.Data[4:8])
	return parsed.Methods["supportsInterface"].Outputs.Pack(id == ERC721InterfaceID)
}

// addCreation appends a contract-creation tx whose receipt carries contract.
func (f *fakeChain) addCreation(height uint64, hash common.Hash, contract common.Address) {
	b := f.block(height)
	h := hash
	b.Transactions = append(b.Transactions, chain.Transaction{Hash: &h, Index: uint64(len(b.Transactions))})
	f.receipts[hash] = &chain.Receipt{TxHash: hash, ContractAddress: &contract, Status: 1}
}

// addCall appends a regular tx to to.
func (f *fakeChain) addCall(height uint64, hash common.Hash, to common.Address) {
	b := f.block(height)
	h, dst := hash, to
	b.Transactions = append(b.Transactions, chain.Transaction{Hash: &h, To: &dst, Index: uint64(len(b.Transactions))})
}

func (f *fakeChain) block(height uint64) *chain.Block {
	b, ok := f.blocks[height]
	if !ok {
		b = &chain.Block{Number: height, Hash: common.BigToHash(new(big.Int).SetUint64(height))}
		f.blocks[height] = b
	}
	return b
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func transferLog(height uint64, contract, from, to common.Address, tokenID int64, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{TransferTopic, addrTopic(from), addrTopic(to), common.BigToHash(big.NewInt(tokenID))},
		TxHash:      common.BigToHash(big.NewInt(int64(1000 + index))),
		BlockNumber: height,
		Index:       index,
	}
}

func newTestClassifier(t *testing.T, f *fakeChain) *Classifier {
	t.Helper()
	c, err := NewClassifier(f, ERC721InterfaceID, 0, nil)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}
