// Package signer holds a board's signing identity and produces signed legacy
// (EIP-155) transactions for it.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is one account's private key and derived address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex parses a hex private key, with or without a 0x prefix.
func FromHex(hexKey string) (*Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return New(key), nil
}

func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Call is an unsigned contract call.
type Call struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       common.Address
	Data     []byte
}

// Sign builds a legacy transaction for call, signs it for chainID and returns
// the RLP encoding and the transaction hash.
func (s *Signer) Sign(chainID *big.Int, call Call) ([]byte, string, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, "", fmt.Errorf("invalid chain id %v", chainID)
	}
	to := call.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    call.Nonce,
		GasPrice: call.GasPrice,
		Gas:      call.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, "", fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("encode transaction: %w", err)
	}
	return raw, signed.Hash().Hex(), nil
}
