package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/emperorhan/pixelboard/internal/chain"
)

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return id.ToInt(), nil
}

// NonceAt reads the nonce at the latest block rather than "pending" so that a
// resubmission replaces a transaction stuck from an earlier cycle.
func (c *Client) NonceAt(ctx context.Context, account string) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.call(ctx, &nonce, "eth_getTransactionCount", account, "latest"); err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", account, err)
	}
	return uint64(nonce), nil
}

func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	return hash, nil
}

// TransactionReceipt returns nil, nil while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	var r *receiptJSON
	if err := c.call(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if r == nil {
		return nil, nil
	}
	if r.Status == nil {
		return nil, errors.New("receipt has no status field")
	}
	out := &chain.Receipt{TxHash: r.TransactionHash, Status: uint64(*r.Status)}
	if r.BlockNumber != nil {
		out.BlockNumber = int64(*r.BlockNumber)
	}
	if r.GasUsed != nil {
		out.GasUsed = uint64(*r.GasUsed)
	}
	return out, nil
}
