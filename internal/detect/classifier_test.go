package detect

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestClassifier(t *testing.T) {
	nft := common.HexToAddress("0xabcd000000000000000000000000000000000001")
	reverts := common.HexToAddress("0xabcd000000000000000000000000000000000002")
	plain := common.HexToAddress("0xabcd000000000000000000000000000000000003")

	f := newFakeChain()
	f.erc721[nft] = true
	f.reverting[reverts] = true
	c := newTestClassifier(t, f)
	ctx := context.Background()

	tests := []struct {
		name string
		addr common.Address
		want Conformance
	}{
		{"supports_erc721", nft, Conforms},
		{"reverts", reverts, DoesNotConform},
		{"empty_return", plain, DoesNotConform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(ctx, tt.addr); got != tt.want {
				t.Fatalf("Classify(%s) = %s, want %s", tt.addr.Hex(), got, tt.want)
			}
		})
	}
}

func TestSupportsInterfaceOtherID(t *testing.T) {
	nft := common.HexToAddress("0xabcd000000000000000000000000000000000001")
	f := newFakeChain()
	f.erc721[nft] = true
	c := newTestClassifier(t, f)

	erc1155 := [4]byte{0xd9, 0xb6, 0x7a, 0x26}
	if c.SupportsInterface(context.Background(), nft, erc1155) {
		t.Fatalf("contract answered false for ERC-1155, expected false")
	}
	if !c.SupportsInterface(context.Background(), nft, ERC721InterfaceID) {
		t.Fatalf("expected ERC-721 support")
	}
}

func TestParseInterfaceID(t *testing.T) {
	id, err := ParseInterfaceID("0x80ac58cd")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != ERC721InterfaceID {
		t.Fatalf("got %x", id)
	}
	if _, err := ParseInterfaceID("0x80ac58"); err == nil {
		t.Fatalf("expected error for 3-byte id")
	}
	if _, err := ParseInterfaceID("80ac58cd"); err == nil {
		t.Fatalf("expected error without 0x prefix")
	}
}
