// Package contract encodes calls to the on-chain string store that holds each
// board's published payload.
package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultStoreKey is the fixed slot key every board writes under.
const DefaultStoreKey = "0xfc77a78c81db9794340a10dbcb0632f44d2d889f2cac2911b039a50f90ead7d0"

const storeStringMethod = "storeString"

const storeABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"},
			{"internalType": "bytes32", "name": "key", "type": "bytes32"},
			{"internalType": "string", "name": "data", "type": "string"}
		],
		"name": "storeString",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Store is a handle to one deployed store contract and the fixed key used for
// every write.
type Store struct {
	address common.Address
	key     [32]byte
	abi     abi.ABI
}

// NewStore validates the contract address and slot key.
func NewStore(address, key string) (*Store, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid store contract address %q", address)
	}
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(storeABI))
	if err != nil {
		return nil, fmt.Errorf("parse store abi: %w", err)
	}
	return &Store{address: common.HexToAddress(address), key: k, abi: parsed}, nil
}

// ParseKey decodes a 0x-prefixed 32-byte hex key.
func ParseKey(key string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(strings.TrimSpace(key))
	if err != nil {
		return out, fmt.Errorf("decode store key: %w", err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("store key must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func (s *Store) Address() common.Address {
	return s.address
}

func (s *Store) Key() [32]byte {
	return s.key
}

// StoreStringCalldata encodes storeString(tokenId, key, data).
func (s *Store) StoreStringCalldata(tokenID *big.Int, data string) ([]byte, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %v", tokenID)
	}
	calldata, err := s.abi.Pack(storeStringMethod, tokenID, s.key, data)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", storeStringMethod, err)
	}
	return calldata, nil
}
