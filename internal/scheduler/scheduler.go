package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/pixelboard/internal/alert"
	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
	"github.com/emperorhan/pixelboard/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const DefaultInterval = time.Minute

// Boards is the board state the scheduler reads and settles.
type Boards interface {
	DirtyBoards() []model.BoardID
	Snapshot(id model.BoardID) (model.BoardSnapshot, error)
	MarkPublished(id model.BoardID, at time.Time, version uint64) (bool, error)
	FeeRate(id model.BoardID) (uint64, error)
	FeePolicy() board.FeePolicy
}

// Files persists the per-cycle board artifacts.
type Files interface {
	SaveGrid(id model.BoardID, grid *model.Grid) error
	SaveHTML(id model.BoardID, payload []byte) error
}

// Renderer builds the presentation payload for a board.
type Renderer interface {
	Render(id model.BoardID, grid *model.Grid) ([]byte, error)
}

// Publisher delivers a payload and reports whether it was confirmed.
type Publisher interface {
	Publish(ctx context.Context, id model.BoardID, payload []byte) bool
}

// Scheduler wakes on a fixed interval and runs one publish cycle per dirty
// board. Each board cycles on its own goroutine; a board still in flight from
// an earlier tick is skipped.
type Scheduler struct {
	boards    Boards
	files     Files
	renderer  Renderer
	publisher Publisher
	alerter   alert.Alerter
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	health   [model.NumBoards]*BoardHealth
	inFlight [model.NumBoards]atomic.Bool
	wg       sync.WaitGroup
}

type Option func(*Scheduler)

func WithAlerter(a alert.Alerter) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.alerter = a
		}
	}
}

// WithFailureThreshold sets how many consecutive failed cycles mark a board unhealthy.
func WithFailureThreshold(n int) Option {
	return func(s *Scheduler) {
		for i := range s.health {
			s.health[i] = NewBoardHealth(model.BoardID(i), n)
		}
	}
}

func New(
	boards Boards,
	files Files,
	renderer Renderer,
	publisher Publisher,
	interval time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		boards:    boards,
		files:     files,
		renderer:  renderer,
		publisher: publisher,
		alerter:   &alert.NoopAlerter{},
		interval:  interval,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
	}
	for i := range s.health {
		s.health[i] = NewBoardHealth(model.BoardID(i), DefaultUnhealthyThreshold)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is done, then waits for in-flight cycles.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight cycles")
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches a cycle for every dirty board not already in flight and
// returns the boards it launched.
func (s *Scheduler) Tick(ctx context.Context) []model.BoardID {
	metrics.SchedulerTicksTotal.Inc()

	dirty := s.boards.DirtyBoards()
	launched := make([]model.BoardID, 0, len(dirty))
	for _, id := range dirty {
		if !s.inFlight[id].CompareAndSwap(false, true) {
			metrics.SchedulerCycleSkipped.WithLabelValues(id.String()).Inc()
			s.logger.Debug("board cycle still in flight, skipping", "board", id)
			continue
		}
		launched = append(launched, id)
		s.wg.Add(1)
		go func(id model.BoardID) {
			defer s.wg.Done()
			defer s.inFlight[id].Store(false)
			s.runCycle(ctx, id)
		}(id)
	}
	if len(dirty) > 0 {
		s.logger.Debug("tick", "dirty", len(dirty), "launched", len(launched))
	}
	return launched
}

// Wait blocks until every launched cycle has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Health returns the health tracker for id.
func (s *Scheduler) Health(id model.BoardID) (HealthSnapshot, bool) {
	if !id.Valid() {
		return HealthSnapshot{}, false
	}
	return s.health[id].Snapshot(), true
}

// HealthSnapshots returns every board's health in id order.
func (s *Scheduler) HealthSnapshots() []HealthSnapshot {
	out := make([]HealthSnapshot, 0, model.NumBoards)
	for _, h := range s.health {
		out = append(out, h.Snapshot())
	}
	return out
}

// InFlight reports whether a cycle for id is running.
func (s *Scheduler) InFlight(id model.BoardID) bool {
	return id.Valid() && s.inFlight[id].Load()
}

// runCycle persists, renders and publishes one board. It reports whether the
// board was confirmed published.
func (s *Scheduler) runCycle(ctx context.Context, id model.BoardID) (published bool) {
	label := id.String()
	start := s.now()
	ctx, span := tracing.Tracer("scheduler").Start(ctx, "scheduler.cycle",
		otelTrace.WithAttributes(tracing.Board(id)),
	)
	defer func() {
		elapsed := s.now().Sub(start)
		metrics.SchedulerCycleLatency.WithLabelValues(label).Observe(elapsed.Seconds())
		s.health[id].RecordLatency(elapsed)
		span.SetAttributes(attribute.Bool("published", published))
		span.End()
	}()

	snap, err := s.boards.Snapshot(id)
	if err != nil {
		s.logger.Error("snapshot failed", "board", id, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	if err := s.files.SaveGrid(id, &snap.Grid); err != nil {
		// The chain copy does not depend on the local one; keep going.
		s.logger.Error("persist board text failed", "board", id, "error", err)
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeDurability,
			Board:   id,
			Title:   "Board text write failed",
			Message: err.Error(),
		})
	}

	payload, err := s.renderer.Render(id, &snap.Grid)
	if err != nil {
		s.logger.Error("render board failed", "board", id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(ctx, id)
		return false
	}
	if err := s.files.SaveHTML(id, payload); err != nil {
		s.logger.Warn("write board html failed", "board", id, "error", err)
	}
	s.logger.Info("generated html", "board", id, "version", snap.Version, "bytes", len(payload))

	if !s.publisher.Publish(ctx, id, payload) {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("failed to update board, retrying next cycle", "board", id)
		s.recordFailure(ctx, id)
		return false
	}

	clean, err := s.boards.MarkPublished(id, s.now(), snap.Version)
	if err != nil {
		s.logger.Error("mark published failed", "board", id, "error", err)
		return true
	}
	if !clean {
		s.logger.Info("board changed during publish, stays dirty", "board", id, "published_version", snap.Version)
	}
	s.logger.Info("successfully updated board", "board", id, "version", snap.Version)

	if s.health[id].RecordSuccess() {
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Board:   id,
			Title:   "Board publishing recovered",
			Message: fmt.Sprintf("board %d published after repeated failures", id),
		})
	}
	return true
}

func (s *Scheduler) recordFailure(ctx context.Context, id model.BoardID) {
	if s.health[id].RecordFailure() {
		snap := s.health[id].Snapshot()
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypePublishStalled,
			Board:   id,
			Title:   "Board publishing stalled",
			Message: fmt.Sprintf("%d consecutive publish cycles failed", snap.ConsecutiveFailures),
			Fields: map[string]string{
				"failures": strconv.Itoa(snap.ConsecutiveFailures),
			},
		})
	}

	fee, err := s.boards.FeeRate(id)
	if err != nil {
		return
	}
	if fee >= s.boards.FeePolicy().Max {
		s.logger.Warn("fee rate at ceiling", "board", id, "fee_rate", fee)
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeFeeCeiling,
			Board:   id,
			Title:   "Fee rate at ceiling",
			Message: "publishing still failing at the maximum fee rate",
			Fields: map[string]string{
				"fee_rate": strconv.FormatUint(fee, 10),
			},
		})
	}
}

func (s *Scheduler) sendAlert(ctx context.Context, a alert.Alert) {
	if err := s.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		s.logger.Warn("send alert failed", "board", a.Board, "type", a.Type, "error", err)
	}
}
