package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBuildDedupeKey(t *testing.T) {
	ev := Event{
		Kind:     "mint",
		Contract: common.HexToAddress("0xbeef"),
		TokenID:  big.NewInt(42),
		TxHash:   common.HexToHash("0xabc"),
		LogIndex: 5,
	}

	key := buildDedupeKey("contract:token_id", ev)
	if key != ev.Contract.Hex()+":42" {
		t.Fatalf("unexpected key: %s", key)
	}

	key = buildDedupeKey("", ev)
	if key != ev.TxHash.Hex()+":5" {
		t.Fatalf("default key mismatch: %s", key)
	}

	key = buildDedupeKey("collection:contract", ev)
	if key != "collection:"+ev.Contract.Hex() {
		t.Fatalf("literal parts should be kept: %s", key)
	}
}
