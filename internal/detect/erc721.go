package detect

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc721ABIJSON = `[
  {
    "type": "function",
    "name": "supportsInterface",
    "stateMutability": "view",
    "inputs": [{"name": "interfaceID", "type": "bytes4"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "event",
    "name": "Transfer",
    "anonymous": false,
    "inputs": [
      {"name": "from", "type": "address", "indexed": true},
      {"name": "to", "type": "address", "indexed": true},
      {"name": "tokenId", "type": "uint256", "indexed": true}
    ]
  }
]`

// TransferSignature is the canonical ERC-721 Transfer event signature.
const TransferSignature = "Transfer(address,address,uint256)"

var (
	// ERC721InterfaceID is the ERC-165 identifier of the ERC-721 interface.
	ERC721InterfaceID = [4]byte{0x80, 0xac, 0x58, 0xcd}
	// TransferTopic is topic0 of every Transfer(address,address,uint256) log.
	TransferTopic = crypto.Keccak256Hash([]byte(TransferSignature))
	// ZeroAddress is the source of minted tokens.
	ZeroAddress = common.Address{}
	// ZeroTopic is ZeroAddress left-padded to 32 bytes, as it appears in an indexed topic.
	ZeroTopic = common.BytesToHash(common.LeftPadBytes(ZeroAddress.Bytes(), 32))
)

var (
	erc721Once   sync.Once
	erc721Parsed abi.ABI
	erc721Err    error
)

// ERC721ABI returns the parsed supportsInterface/Transfer ABI fragment.
func ERC721ABI() (*abi.ABI, error) {
	erc721Once.Do(func() {
		erc721Parsed, erc721Err = abi.JSON(strings.NewReader(erc721ABIJSON))
	})
	if erc721Err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", erc721Err)
	}
	return &erc721Parsed, nil
}

// ParseInterfaceID parses a 0x-prefixed 4-byte interface identifier.
func ParseInterfaceID(s string) ([4]byte, error) {
	var id [4]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return id, fmt.Errorf("parse interface id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse interface id %q: want 4 bytes, got %d", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}
