package chain

import (
	"context"
	"math/big"
)

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks

// Client is one remote endpoint able to accept a signed transaction and
// report its confirmation.
type Client interface {
	// Endpoint returns a log-safe name for the endpoint (no credentials or query).
	Endpoint() string

	// ChainID returns the endpoint's chain id. It doubles as the connectivity probe.
	ChainID(ctx context.Context) (*big.Int, error)

	// NonceAt returns the account's transaction count at the latest block.
	NonceAt(ctx context.Context, account string) (uint64, error)

	// SendRawTransaction submits a signed, RLP-encoded transaction and returns its hash.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)

	// TransactionReceipt returns the receipt for hash, or nil if the
	// transaction has not been mined yet.
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	Status      uint64
	GasUsed     uint64
}

// ReceiptStatusSuccessful is the receipt status of a transaction that executed without reverting.
const ReceiptStatusSuccessful = 1

func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptStatusSuccessful
}
