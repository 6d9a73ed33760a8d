package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/pixelboard/internal/chain"
	"github.com/emperorhan/pixelboard/internal/chain/contract"
	"github.com/emperorhan/pixelboard/internal/chain/signer"
	"github.com/emperorhan/pixelboard/internal/circuitbreaker"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
	"github.com/emperorhan/pixelboard/internal/retry"
	"github.com/emperorhan/pixelboard/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const (
	DefaultGasLimit       uint64 = 2_000_000
	DefaultConfirmTimeout        = 120 * time.Second
	DefaultProbeTimeout          = 5 * time.Second
	DefaultPollInterval          = 2 * time.Second
)

var (
	// ErrEndpointUnavailable marks an endpoint skipped because its probe failed.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	// ErrReverted marks a transaction that was mined with a failure status.
	ErrReverted = errors.New("transaction reverted")
	// ErrConfirmTimeout marks a transaction not mined within the confirmation window.
	ErrConfirmTimeout = errors.New("confirmation timeout")
)

// FeeLedger owns the per-board fee rate. The publisher reads it at the start
// of a cycle and reports the outcome back.
type FeeLedger interface {
	FeeRate(id model.BoardID) (uint64, error)
	BumpFee(id model.BoardID) (uint64, error)
	ResetFee(id model.BoardID) error
}

// Account is the signing identity and store slot of one board.
type Account struct {
	Signer  *signer.Signer
	TokenID *big.Int
}

// Endpoint pairs a chain client with the breaker that tracks its reachability.
type Endpoint struct {
	Client  chain.Client
	Breaker *circuitbreaker.Breaker
}

// NewEndpoint wraps client with a breaker that opens after failureThreshold
// consecutive failed probes.
func NewEndpoint(client chain.Client, failureThreshold int, openTimeout time.Duration) Endpoint {
	name := client.Endpoint()
	metrics.EndpointBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return Endpoint{
		Client: client,
		Breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             name,
			FailureThreshold: failureThreshold,
			OpenTimeout:      openTimeout,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.EndpointBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}
}

// Publisher delivers a board payload to the store contract, trying endpoints
// in priority order until one confirms.
type Publisher struct {
	endpoints      []Endpoint
	accounts       map[model.BoardID]Account
	store          *contract.Store
	fees           FeeLedger
	gasLimit       uint64
	chainID        *big.Int
	confirmTimeout time.Duration
	probeTimeout   time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

type Option func(*Publisher)

func WithGasLimit(limit uint64) Option {
	return func(p *Publisher) {
		if limit > 0 {
			p.gasLimit = limit
		}
	}
}

// WithChainID pins the chain id. Endpoints reporting a different id are skipped.
func WithChainID(id *big.Int) Option {
	return func(p *Publisher) {
		if id != nil && id.Sign() > 0 {
			p.chainID = new(big.Int).Set(id)
		}
	}
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func New(
	endpoints []Endpoint,
	accounts map[model.BoardID]Account,
	store *contract.Store,
	fees FeeLedger,
	logger *slog.Logger,
	opts ...Option,
) (*Publisher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("publisher: no endpoints configured")
	}
	if store == nil || fees == nil {
		return nil, errors.New("publisher: store contract and fee ledger are required")
	}
	for _, id := range model.AllBoards() {
		acct, ok := accounts[id]
		if !ok || acct.Signer == nil || acct.TokenID == nil {
			return nil, fmt.Errorf("publisher: missing account for board %d", id)
		}
	}
	p := &Publisher{
		endpoints:      endpoints,
		accounts:       accounts,
		store:          store,
		fees:           fees,
		gasLimit:       DefaultGasLimit,
		confirmTimeout: DefaultConfirmTimeout,
		probeTimeout:   DefaultProbeTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         logger.With("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish makes one pass over the endpoints. It returns true as soon as one
// endpoint confirms a successful transaction and resets the board's fee.
// When every endpoint fails, the fee is raised one step and false is returned.
func (p *Publisher) Publish(ctx context.Context, id model.BoardID, payload []byte) bool {
	ctx, span := tracing.Tracer("publisher").Start(ctx, "publisher.publish",
		otelTrace.WithAttributes(tracing.Board(id), attribute.Int("payload_bytes", len(payload))),
	)
	defer span.End()

	board := id.String()
	acct, ok := p.accounts[id]
	if !ok {
		p.logger.Error("no account for board", "board", id)
		metrics.PublishCyclesTotal.WithLabelValues(board, "error").Inc()
		return false
	}

	fee, err := p.fees.FeeRate(id)
	if err != nil {
		p.logger.Error("read fee rate failed", "board", id, "error", err)
		metrics.PublishCyclesTotal.WithLabelValues(board, "error").Inc()
		return false
	}

	data, err := p.store.StoreStringCalldata(acct.TokenID, string(payload))
	if err != nil {
		p.logger.Error("encode store call failed", "board", id, "error", err)
		metrics.PublishCyclesTotal.WithLabelValues(board, "error").Inc()
		return false
	}

	// Endpoints with an open breaker are tried after the others. Every
	// endpoint is probed before the fee is raised.
	var deferred []Endpoint
	for _, ep := range p.endpoints {
		if ctx.Err() != nil {
			break
		}
		if ep.Breaker != nil && ep.Breaker.Allow() != nil {
			deferred = append(deferred, ep)
			metrics.PublishAttemptsTotal.WithLabelValues(board, ep.Client.Endpoint(), "deferred", "").Inc()
			p.logger.Debug("endpoint breaker open, deferring", "board", id, "endpoint", ep.Client.Endpoint())
			continue
		}
		if p.tryEndpoint(ctx, span, id, ep, acct, fee, data, len(payload)) {
			return true
		}
	}
	for _, ep := range deferred {
		if ctx.Err() != nil {
			break
		}
		if p.tryEndpoint(ctx, span, id, ep, acct, fee, data, len(payload)) {
			return true
		}
	}

	// A pass cut short by shutdown is not an exhausted cycle.
	if ctx.Err() != nil {
		metrics.PublishCyclesTotal.WithLabelValues(board, "aborted").Inc()
		p.logger.Info("publish aborted", "board", id, "error", ctx.Err())
		return false
	}

	next, err := p.fees.BumpFee(id)
	if err != nil {
		p.logger.Error("bump fee failed", "board", id, "error", err)
	}
	metrics.PublishCyclesTotal.WithLabelValues(board, "exhausted").Inc()
	span.SetStatus(codes.Error, "all endpoints exhausted")
	p.logger.Warn("all endpoints exhausted, board stays dirty",
		"board", id,
		"fee_rate", fee,
		"next_fee_rate", next,
		"endpoints", len(p.endpoints),
	)
	return false
}

// tryEndpoint runs one attempt and records its outcome. On success the
// board's fee is reset.
func (p *Publisher) tryEndpoint(ctx context.Context, span otelTrace.Span, id model.BoardID, ep Endpoint, acct Account, fee uint64, data []byte, payloadBytes int) bool {
	board := id.String()
	name := ep.Client.Endpoint()
	start := time.Now()
	txHash, err := p.attempt(ctx, ep, acct, fee, data)
	metrics.PublishAttemptLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.PublishAttemptsTotal.WithLabelValues(board, name, "confirmed", "").Inc()
		metrics.PublishCyclesTotal.WithLabelValues(board, "published").Inc()
		if err := p.fees.ResetFee(id); err != nil {
			p.logger.Warn("reset fee failed", "board", id, "error", err)
		}
		span.SetAttributes(tracing.Endpoint(name), attribute.String("tx_hash", txHash))
		p.logger.Info("board published",
			"board", id,
			"endpoint", name,
			"tx_hash", txHash,
			"fee_rate", fee,
			"payload_bytes", payloadBytes,
		)
		return true
	}

	outcome := "failed"
	if errors.Is(err, ErrEndpointUnavailable) {
		outcome = "skipped"
	}
	decision := retry.Classify(err)
	metrics.PublishAttemptsTotal.WithLabelValues(board, name, outcome, string(decision.Class)).Inc()
	p.logger.Warn("publish attempt failed",
		"board", id,
		"endpoint", name,
		"outcome", outcome,
		"class", decision.Class,
		"reason", decision.Reason,
		"error", err,
	)
	return false
}

// attempt runs probe, sign, submit and confirm against one endpoint. The
// probe result feeds the endpoint's breaker.
func (p *Publisher) attempt(ctx context.Context, ep Endpoint, acct Account, fee uint64, data []byte) (txHash string, err error) {
	name := ep.Client.Endpoint()
	ctx, span := tracing.Tracer("publisher").Start(ctx, "publisher.attempt",
		otelTrace.WithAttributes(tracing.Endpoint(name), attribute.Int64("fee_rate", int64(fee))),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	chainID, err := p.probe(ctx, ep.Client)
	if err != nil {
		if ep.Breaker != nil {
			ep.Breaker.RecordFailure()
		}
		return "", fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
	}
	if ep.Breaker != nil {
		ep.Breaker.RecordSuccess()
	}

	from := acct.Signer.Address()
	nonce, err := ep.Client.NonceAt(ctx, from.Hex())
	if err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	raw, hash, err := acct.Signer.Sign(chainID, signer.Call{
		Nonce:    nonce,
		GasPrice: new(big.Int).SetUint64(fee),
		GasLimit: p.gasLimit,
		To:       p.store.Address(),
		Data:     data,
	})
	if err != nil {
		return "", retry.Terminal(fmt.Errorf("sign transaction: %w", err))
	}

	sent, err := ep.Client.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	if sent != "" {
		hash = sent
	}
	span.SetAttributes(attribute.String("tx_hash", hash), attribute.Int64("nonce", int64(nonce)))

	receipt, err := p.waitReceipt(ctx, ep.Client, hash)
	if err != nil {
		return hash, err
	}
	if !receipt.Succeeded() {
		return hash, retry.Terminal(fmt.Errorf("%w: tx %s status %d in block %d", ErrReverted, hash, receipt.Status, receipt.BlockNumber))
	}
	return hash, nil
}

func (p *Publisher) probe(ctx context.Context, client chain.Client) (*big.Int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	id, err := client.ChainID(probeCtx)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if id == nil || id.Sign() <= 0 {
		return nil, fmt.Errorf("probe: invalid chain id %v", id)
	}
	if p.chainID != nil && p.chainID.Cmp(id) != 0 {
		return nil, retry.Terminal(fmt.Errorf("probe: chain id %s does not match configured %s", id, p.chainID))
	}
	return id, nil
}

// waitReceipt polls until the transaction is mined or the confirmation
// window closes. Polling errors are retried within the window.
func (p *Publisher) waitReceipt(ctx context.Context, client chain.Client, hash string) (*chain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		switch {
		case err != nil:
			lastErr = err
			p.logger.Debug("receipt poll failed", "endpoint", client.Endpoint(), "tx_hash", hash, "error", err)
		case receipt != nil:
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s for tx %s (last error: %v): %w", ErrConfirmTimeout, p.confirmTimeout, hash, lastErr, waitCtx.Err())
			}
			return nil, fmt.Errorf("%w after %s for tx %s: %w", ErrConfirmTimeout, p.confirmTimeout, hash, waitCtx.Err())
		case <-ticker.C:
		}
	}
}
