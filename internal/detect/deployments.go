package detect

import (
	"context"
	"fmt"

	"github.com/devblac/mint-watch/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// ReceiptFetcher looks up transaction receipts. A nil receipt with a nil error means unknown.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
}

// DeploymentSignal reports a newly deployed ERC-721 contract.
type DeploymentSignal struct {
	Height   uint64
	Contract common.Address
	TxHash   common.Hash
	Deployer common.Address
}

// DeploymentDetector finds contract creations whose contract passes the classifier.
type DeploymentDetector struct {
	receipts   ReceiptFetcher
	classifier *Classifier
	limit      int
}

// NewDeploymentDetector builds a detector issuing at most limit receipt/probe sequences at once.
func NewDeploymentDetector(receipts ReceiptFetcher, classifier *Classifier, limit int) *DeploymentDetector {
	if limit <= 0 {
		limit = 1
	}
	return &DeploymentDetector{
		receipts:   receipts,
		classifier: classifier,
		limit:      limit,
	}
}

// Detect returns one outcome per transaction of block, in transaction order.
// A failure on one transaction never affects the others.
func (d *DeploymentDetector) Detect(ctx context.Context, block *chain.Block) []Outcome[DeploymentSignal] {
	out := make([]Outcome[DeploymentSignal], len(block.Transactions))

	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, tx := range block.Transactions {
		if !tx.IsCreation() {
			out[i] = Skip[DeploymentSignal](ReasonNotCreation)
			continue
		}
		if tx.Hash == nil {
			out[i] = Skip[DeploymentSignal](ReasonMissingHash)
			continue
		}
		i, tx := i, tx
		g.Go(func() error {
			out[i] = d.resolve(ctx, block.Number, tx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *DeploymentDetector) resolve(ctx context.Context, height uint64, tx chain.Transaction) Outcome[DeploymentSignal] {
	rcpt, err := d.receipts.TransactionReceipt(ctx, *tx.Hash)
	if err != nil {
		return Fail[DeploymentSignal](fmt.Errorf("receipt %s: %w", tx.Hash.Hex(), err))
	}
	if rcpt == nil {
		return Skip[DeploymentSignal](ReasonMissingReceipt)
	}
	if rcpt.ContractAddress == nil || *rcpt.ContractAddress == (common.Address{}) {
		return Skip[DeploymentSignal](ReasonNoContractAddress)
	}

	contract := *rcpt.ContractAddress
	if d.classifier.Classify(ctx, contract) != Conforms {
		return Skip[DeploymentSignal](ReasonNotERC721)
	}
	return OK(DeploymentSignal{
		Height:   height,
		Contract: contract,
		TxHash:   *tx.Hash,
		Deployer: tx.From,
	})
}
