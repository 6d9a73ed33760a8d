package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/chain"
	"github.com/emperorhan/pixelboard/internal/chain/contract"
	"github.com/emperorhan/pixelboard/internal/chain/mocks"
	"github.com/emperorhan/pixelboard/internal/chain/signer"
	"github.com/emperorhan/pixelboard/internal/circuitbreaker"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testContract = "0x1111111111111111111111111111111111111111"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ctrl     *gomock.Controller
	fees     *board.Store
	accounts map[model.BoardID]Account
	store    *contract.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	store, err := contract.NewStore(testContract, contract.DefaultStoreKey)
	require.NoError(t, err)

	accounts := make(map[model.BoardID]Account, model.NumBoards)
	for _, id := range model.AllBoards() {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		accounts[id] = Account{Signer: signer.New(key), TokenID: big.NewInt(int64(100 + id))}
	}
	return &fixture{
		ctrl:     ctrl,
		fees:     board.NewStore(board.DefaultFeePolicy(), nil, testLogger()),
		accounts: accounts,
		store:    store,
	}
}

func (f *fixture) client(name string) *mocks.MockClient {
	c := mocks.NewMockClient(f.ctrl)
	c.EXPECT().Endpoint().Return(name).AnyTimes()
	return c
}

func (f *fixture) publisher(t *testing.T, clients ...chain.Client) *Publisher {
	t.Helper()
	endpoints := make([]Endpoint, len(clients))
	for i, c := range clients {
		endpoints[i] = NewEndpoint(c, 3, time.Minute)
	}
	p, err := New(endpoints, f.accounts, f.store, f.fees, testLogger(),
		WithConfirmTimeout(50*time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithProbeTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)
	return p
}

func expectConfirmed(c *mocks.MockClient, status uint64) {
	c.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(8453), nil)
	c.EXPECT().NonceAt(gomock.Any(), gomock.Any()).Return(uint64(7), nil)
	c.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("0xabc", nil)
	c.EXPECT().TransactionReceipt(gomock.Any(), "0xabc").
		Return(&chain.Receipt{TxHash: "0xabc", BlockNumber: 10, Status: status}, nil)
}

func TestPublish_FirstReachableEndpointWins(t *testing.T) {
	f := newFixture(t)
	down1 := f.client("https://down-1")
	down2 := f.client("https://down-2")
	up := f.client("https://up")
	after := f.client("https://after") // no network expectations: any call fails the test

	down1.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("connection refused"))
	down2.EXPECT().ChainID(gomock.Any()).Return(nil, context.DeadlineExceeded)
	expectConfirmed(up, chain.ReceiptStatusSuccessful)

	_, err := f.fees.BumpFee(1)
	require.NoError(t, err)

	p := f.publisher(t, down1, down2, up, after)
	assert.True(t, p.Publish(context.Background(), 1, []byte("<html></html>")))

	rate, err := f.fees.FeeRate(1)
	require.NoError(t, err)
	assert.Equal(t, board.DefaultBaseFee, rate, "fee resets after success")
}

func TestPublish_AllEndpointsFailBumpsFeeOnce(t *testing.T) {
	f := newFixture(t)
	a := f.client("https://a")
	b := f.client("https://b")
	a.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("dial tcp: refused")).Times(2)
	b.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("http status 503")).Times(2)

	p := f.publisher(t, a, b)

	assert.False(t, p.Publish(context.Background(), 2, []byte("x")))
	rate, _ := f.fees.FeeRate(2)
	assert.Equal(t, uint64(2_000_000), rate)

	assert.False(t, p.Publish(context.Background(), 2, []byte("x")))
	rate, _ = f.fees.FeeRate(2)
	assert.Equal(t, uint64(3_000_000), rate, "exactly one step per exhausted cycle")

	other, _ := f.fees.FeeRate(1)
	assert.Equal(t, board.DefaultBaseFee, other, "other boards unaffected")
}

func TestPublish_FeeNeverExceedsMax(t *testing.T) {
	f := newFixture(t)
	a := f.client("https://a")
	// An open breaker defers the endpoint but it is still probed every cycle.
	a.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("refused")).Times(10)

	p := f.publisher(t, a)
	for i := 0; i < 10; i++ {
		assert.False(t, p.Publish(context.Background(), 0, []byte("x")))
		rate, _ := f.fees.FeeRate(0)
		assert.LessOrEqual(t, rate, board.DefaultMaxFee)
	}
	rate, _ := f.fees.FeeRate(0)
	assert.Equal(t, board.DefaultMaxFee, rate)
}

func TestPublish_RevertedReceiptTriesNextEndpoint(t *testing.T) {
	f := newFixture(t)
	first := f.client("https://first")
	second := f.client("https://second")
	expectConfirmed(first, 0)
	expectConfirmed(second, chain.ReceiptStatusSuccessful)

	p := f.publisher(t, first, second)
	assert.True(t, p.Publish(context.Background(), 3, []byte("x")))
}

func TestPublish_SubmissionErrorIsNonFatal(t *testing.T) {
	f := newFixture(t)
	first := f.client("https://first")
	second := f.client("https://second")
	first.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(8453), nil)
	first.EXPECT().NonceAt(gomock.Any(), gomock.Any()).Return(uint64(1), nil)
	first.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).
		Return("", errors.New("replacement transaction underpriced"))
	expectConfirmed(second, chain.ReceiptStatusSuccessful)

	p := f.publisher(t, first, second)
	assert.True(t, p.Publish(context.Background(), 0, []byte("x")))
}

func TestPublish_ConfirmTimeoutMovesOn(t *testing.T) {
	f := newFixture(t)
	slow := f.client("https://slow")
	slow.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	slow.EXPECT().NonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	slow.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("0xdead", nil)
	slow.EXPECT().TransactionReceipt(gomock.Any(), "0xdead").Return(nil, nil).MinTimes(1)

	p := f.publisher(t, slow)
	assert.False(t, p.Publish(context.Background(), 1, []byte("x")))

	rate, _ := f.fees.FeeRate(1)
	assert.Equal(t, uint64(2_000_000), rate)
}

func TestPublish_ReceiptPollErrorsRetriedWithinWindow(t *testing.T) {
	f := newFixture(t)
	c := f.client("https://flaky")
	c.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	c.EXPECT().NonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	c.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("0xbeef", nil)
	gomock.InOrder(
		c.EXPECT().TransactionReceipt(gomock.Any(), "0xbeef").Return(nil, errors.New("timeout")),
		c.EXPECT().TransactionReceipt(gomock.Any(), "0xbeef").Return(nil, nil),
		c.EXPECT().TransactionReceipt(gomock.Any(), "0xbeef").
			Return(&chain.Receipt{TxHash: "0xbeef", Status: chain.ReceiptStatusSuccessful}, nil),
	)

	p := f.publisher(t, c)
	assert.True(t, p.Publish(context.Background(), 2, []byte("x")))
}

func TestPublish_SignsForBoardAccountAtCurrentFee(t *testing.T) {
	f := newFixture(t)
	_, err := f.fees.BumpFee(2)
	require.NoError(t, err)

	c := f.client("https://rpc")
	c.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(8453), nil)
	wantFrom := f.accounts[2].Signer.Address().Hex()
	c.EXPECT().NonceAt(gomock.Any(), wantFrom).Return(uint64(42), nil)

	var raw []byte
	c.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, b []byte) (string, error) {
			raw = b
			return "", nil
		})
	c.EXPECT().TransactionReceipt(gomock.Any(), gomock.Any()).
		Return(&chain.Receipt{Status: chain.ReceiptStatusSuccessful}, nil)

	p := f.publisher(t, c)
	require.True(t, p.Publish(context.Background(), 2, []byte("<p>hi</p>")))

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, uint64(42), tx.Nonce())
	assert.Equal(t, DefaultGasLimit, tx.Gas())
	assert.Equal(t, int64(2_000_000), tx.GasPrice().Int64())
	assert.Equal(t, f.store.Address(), *tx.To())

	want, err := f.store.StoreStringCalldata(big.NewInt(102), "<p>hi</p>")
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), &tx)
	require.NoError(t, err)
	assert.Equal(t, f.accounts[2].Signer.Address(), sender)
}

func TestPublish_ChainIDMismatchSkipsEndpoint(t *testing.T) {
	f := newFixture(t)
	wrong := f.client("https://wrong")
	right := f.client("https://right")
	wrong.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	expectConfirmed(right, chain.ReceiptStatusSuccessful)

	endpoints := []Endpoint{NewEndpoint(wrong, 3, time.Minute), NewEndpoint(right, 3, time.Minute)}
	p, err := New(endpoints, f.accounts, f.store, f.fees, testLogger(),
		WithChainID(big.NewInt(8453)),
		WithPollInterval(time.Millisecond),
	)
	require.NoError(t, err)
	assert.True(t, p.Publish(context.Background(), 0, []byte("x")))
}

func TestPublish_OpenBreakerEndpointRetriedBeforeFeeBump(t *testing.T) {
	f := newFixture(t)
	c := f.client("https://down")
	c.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("refused")).Times(2)

	ep := NewEndpoint(c, 1, time.Hour)
	p, err := New([]Endpoint{ep}, f.accounts, f.store, f.fees, testLogger())
	require.NoError(t, err)

	assert.False(t, p.Publish(context.Background(), 0, []byte("x")))
	assert.Equal(t, circuitbreaker.StateOpen, ep.Breaker.State())
	assert.False(t, p.Publish(context.Background(), 0, []byte("x")))

	rate, _ := f.fees.FeeRate(0)
	assert.Equal(t, uint64(3_000_000), rate, "one step per probed, exhausted cycle")
}

func TestPublish_RecoveredEndpointAfterOtherBoardsOpenedBreaker(t *testing.T) {
	f := newFixture(t)
	shared := f.client("https://shared")
	shared.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("connection refused")).Times(3)
	expectConfirmed(shared, chain.ReceiptStatusSuccessful)

	p := f.publisher(t, shared)
	for _, id := range []model.BoardID{0, 1, 2} {
		assert.False(t, p.Publish(context.Background(), id, []byte("x")))
	}
	require.Equal(t, circuitbreaker.StateOpen, p.endpoints[0].Breaker.State())

	assert.True(t, p.Publish(context.Background(), 3, []byte("x")))
	assert.Equal(t, circuitbreaker.StateClosed, p.endpoints[0].Breaker.State())
	rate, _ := f.fees.FeeRate(3)
	assert.Equal(t, board.DefaultBaseFee, rate, "board 3 never exhausted a cycle")
}

func TestPublish_OpenBreakerEndpointTriedLast(t *testing.T) {
	f := newFixture(t)
	flaky := f.client("https://flaky")
	healthy := f.client("https://healthy")
	flaky.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("connection refused"))
	healthy.EXPECT().ChainID(gomock.Any()).Return(nil, errors.New("http status 503"))

	flakyEp := NewEndpoint(flaky, 1, time.Hour)
	p, err := New([]Endpoint{flakyEp, NewEndpoint(healthy, 3, time.Minute)}, f.accounts, f.store, f.fees, testLogger(),
		WithPollInterval(time.Millisecond),
	)
	require.NoError(t, err)
	assert.False(t, p.Publish(context.Background(), 1, []byte("x")))
	require.Equal(t, circuitbreaker.StateOpen, flakyEp.Breaker.State())

	// The healthy endpoint confirms before the deferred one is touched.
	expectConfirmed(healthy, chain.ReceiptStatusSuccessful)
	assert.True(t, p.Publish(context.Background(), 1, []byte("x")))
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.client("https://rpc")
	ep := []Endpoint{NewEndpoint(c, 3, time.Minute)}

	_, err := New(nil, f.accounts, f.store, f.fees, testLogger())
	assert.Error(t, err)

	_, err = New(ep, f.accounts, nil, f.fees, testLogger())
	assert.Error(t, err)

	partial := map[model.BoardID]Account{0: f.accounts[0]}
	_, err = New(ep, partial, f.store, f.fees, testLogger())
	assert.ErrorContains(t, err, fmt.Sprintf("board %d", 1))
}

func TestPublish_CanceledContextDoesNotBumpFee(t *testing.T) {
	f := newFixture(t)
	c := f.client("https://rpc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := f.publisher(t, c)
	assert.False(t, p.Publish(ctx, 0, []byte("x")))

	rate, _ := f.fees.FeeRate(0)
	assert.Equal(t, board.DefaultBaseFee, rate)
}
