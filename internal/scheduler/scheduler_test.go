package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/pixelboard/internal/alert"
	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFiles struct {
	mu      sync.Mutex
	grids   map[model.BoardID]model.Grid
	html    map[model.BoardID][]byte
	gridErr error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{grids: map[model.BoardID]model.Grid{}, html: map[model.BoardID][]byte{}}
}

func (f *fakeFiles) SaveGrid(id model.BoardID, g *model.Grid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gridErr != nil {
		return f.gridErr
	}
	f.grids[id] = *g
	return nil
}

func (f *fakeFiles) SaveHTML(id model.BoardID, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html[id] = append([]byte(nil), p...)
	return nil
}

type fakeRenderer struct{ err error }

func (r fakeRenderer) Render(id model.BoardID, g *model.Grid) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("board-" + id.String()), nil
}

// fakePublisher succeeds or fails per board and can hold a board until released.
type fakePublisher struct {
	mu      sync.Mutex
	fail    map[model.BoardID]bool
	hold    map[model.BoardID]chan struct{}
	entered chan model.BoardID
	calls   map[model.BoardID]int
	onCall  func(id model.BoardID)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		fail:    map[model.BoardID]bool{},
		hold:    map[model.BoardID]chan struct{}{},
		entered: make(chan model.BoardID, 16),
		calls:   map[model.BoardID]int{},
	}
}

func (p *fakePublisher) Publish(ctx context.Context, id model.BoardID, payload []byte) bool {
	p.mu.Lock()
	p.calls[id]++
	hold := p.hold[id]
	fail := p.fail[id]
	onCall := p.onCall
	p.mu.Unlock()

	p.entered <- id
	if onCall != nil {
		onCall(id)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return false
		}
	}
	return !fail
}

func (p *fakePublisher) Calls(id model.BoardID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) Types() []alert.AlertType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alert.AlertType, len(a.alerts))
	for i, al := range a.alerts {
		out[i] = al.Type
	}
	return out
}

func newBoards(t *testing.T) *board.Store {
	t.Helper()
	return board.NewStore(board.DefaultFeePolicy(), nil, testLogger())
}

func dirty(t *testing.T, s *board.Store, id model.BoardID, x int) {
	t.Helper()
	require.NoError(t, s.ApplyEvent(model.PixelEvent{BoardID: id, X: x, Y: 0, Color: model.ColorRed, Owner: "0xowner"}))
}

func TestTick_PublishesDirtyBoardsAndClears(t *testing.T) {
	boards := newBoards(t)
	files := newFakeFiles()
	pub := newFakePublisher()
	s := New(boards, files, fakeRenderer{}, pub, time.Minute, testLogger())

	dirty(t, boards, 1, 3)
	dirty(t, boards, 3, 4)

	launched := s.Tick(context.Background())
	s.Wait()

	assert.ElementsMatch(t, []model.BoardID{1, 3}, launched)
	assert.Empty(t, boards.DirtyBoards())
	assert.Equal(t, 0, pub.Calls(0))
	assert.Equal(t, model.Cell(5), files.grids[1][0][3])
	assert.Equal(t, []byte("board-3"), files.html[3])

	snap, err := boards.Snapshot(1)
	require.NoError(t, err)
	assert.False(t, snap.LastPublishedAt.IsZero())

	h, ok := s.Health(1)
	require.True(t, ok)
	assert.Equal(t, string(HealthStatusHealthy), h.Status)
}

func TestTick_FailureLeavesBoardDirty(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	pub.fail[2] = true
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Minute, testLogger())

	dirty(t, boards, 2, 0)
	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, []model.BoardID{2}, boards.DirtyBoards())

	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 2, pub.Calls(2), "retried on the next tick")

	h, _ := s.Health(2)
	assert.Equal(t, 2, h.ConsecutiveFailures)
}

func TestTick_SlowBoardDoesNotBlockOthers(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	release := make(chan struct{})
	pub.hold[0] = release
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Minute, testLogger())

	dirty(t, boards, 0, 0)
	dirty(t, boards, 1, 0)
	s.Tick(context.Background())

	// Board 1 finishes while board 0 is still held.
	require.Eventually(t, func() bool {
		d := boards.DirtyBoards()
		return len(d) == 1 && d[0] == 0
	}, time.Second, time.Millisecond)
	assert.True(t, s.InFlight(0))

	// A second tick skips the in-flight board.
	dirty(t, boards, 1, 1)
	launched := s.Tick(context.Background())
	assert.Equal(t, []model.BoardID{1}, launched)

	close(release)
	s.Wait()
	assert.Equal(t, 1, pub.Calls(0))
	assert.Empty(t, boards.DirtyBoards())
	assert.False(t, s.InFlight(0))
}

func TestTick_EventDuringPublishKeepsBoardDirty(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	pub.onCall = func(id model.BoardID) {
		dirty(t, boards, id, 9)
	}
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Minute, testLogger())

	dirty(t, boards, 0, 0)
	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, []model.BoardID{0}, boards.DirtyBoards(), "late event is published next tick")

	pub.onCall = nil
	s.Tick(context.Background())
	s.Wait()
	assert.Empty(t, boards.DirtyBoards())
}

func TestTick_RenderFailureSkipsPublish(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	s := New(boards, newFakeFiles(), fakeRenderer{err: errors.New("template missing")}, pub, time.Minute, testLogger())

	dirty(t, boards, 0, 0)
	s.Tick(context.Background())
	s.Wait()

	assert.Equal(t, 0, pub.Calls(0))
	assert.Equal(t, []model.BoardID{0}, boards.DirtyBoards())
}

func TestTick_GridWriteFailureStillPublishes(t *testing.T) {
	boards := newBoards(t)
	files := newFakeFiles()
	files.gridErr = errors.New("read-only filesystem")
	pub := newFakePublisher()
	alerts := &recordingAlerter{}
	s := New(boards, files, fakeRenderer{}, pub, time.Minute, testLogger(), WithAlerter(alerts))

	dirty(t, boards, 0, 0)
	s.Tick(context.Background())
	s.Wait()

	assert.Equal(t, 1, pub.Calls(0))
	assert.Empty(t, boards.DirtyBoards())
	assert.Equal(t, []alert.AlertType{alert.AlertTypeDurability}, alerts.Types())
}

func TestTick_StallAndRecoveryAlerts(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	pub.fail[1] = true
	alerts := &recordingAlerter{}
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Minute, testLogger(),
		WithAlerter(alerts), WithFailureThreshold(2))

	dirty(t, boards, 1, 0)
	for i := 0; i < 2; i++ {
		s.Tick(context.Background())
		s.Wait()
	}
	assert.Equal(t, []alert.AlertType{alert.AlertTypePublishStalled}, alerts.Types())

	pub.mu.Lock()
	pub.fail[1] = false
	pub.mu.Unlock()
	s.Tick(context.Background())
	s.Wait()

	assert.Equal(t, []alert.AlertType{alert.AlertTypePublishStalled, alert.AlertTypeRecovery}, alerts.Types())
	h, _ := s.Health(1)
	assert.Equal(t, string(HealthStatusHealthy), h.Status)
}

func TestTick_FeeCeilingAlert(t *testing.T) {
	boards := newBoards(t)
	for i := 0; i < 10; i++ {
		_, err := boards.BumpFee(3)
		require.NoError(t, err)
	}
	pub := newFakePublisher()
	pub.fail[3] = true
	alerts := &recordingAlerter{}
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Minute, testLogger(), WithAlerter(alerts))

	dirty(t, boards, 3, 0)
	s.Tick(context.Background())
	s.Wait()

	assert.Contains(t, alerts.Types(), alert.AlertTypeFeeCeiling)
}

func TestRun_StopsAndWaitsForInFlight(t *testing.T) {
	boards := newBoards(t)
	pub := newFakePublisher()
	pub.hold[0] = make(chan struct{}) // released only by cancellation
	s := New(boards, newFakeFiles(), fakeRenderer{}, pub, time.Hour, testLogger())
	dirty(t, boards, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case id := <-pub.entered:
		assert.Equal(t, model.BoardID(0), id)
	case <-time.After(time.Second):
		t.Fatal("first tick did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.InFlight(0))
	assert.Equal(t, []model.BoardID{0}, boards.DirtyBoards())
	h, _ := s.Health(0)
	assert.Equal(t, 0, h.ConsecutiveFailures, "shutdown is not a failed cycle")
}

func TestHealthSnapshots(t *testing.T) {
	s := New(newBoards(t), newFakeFiles(), fakeRenderer{}, newFakePublisher(), 0, testLogger())
	snaps := s.HealthSnapshots()
	require.Len(t, snaps, model.NumBoards)
	for i, h := range snaps {
		assert.Equal(t, i, h.Board)
		assert.Equal(t, string(HealthStatusUnknown), h.Status)
	}
	_, ok := s.Health(model.BoardID(9))
	assert.False(t, ok)
}
