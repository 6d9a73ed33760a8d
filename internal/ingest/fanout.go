package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 5 * time.Second
	drainTimeout     = 2 * time.Second
)

// EventSink receives accepted events after they are durable.
type EventSink interface {
	Publish(ctx context.Context, ev model.PixelEvent) (string, error)
}

// Fanout hands accepted events to a sink from a background goroutine so the
// webhook acknowledgement never waits on the sink. Events that do not fit in
// the queue are dropped and counted.
type Fanout struct {
	sink   EventSink
	queue  chan model.PixelEvent
	logger *slog.Logger
}

func NewFanout(sink EventSink, queueSize int, logger *slog.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Fanout{
		sink:   sink,
		queue:  make(chan model.PixelEvent, queueSize),
		logger: logger.With("component", "fanout"),
	}
}

// Offer queues ev without blocking and reports whether it was queued.
func (f *Fanout) Offer(ev model.PixelEvent) bool {
	select {
	case f.queue <- ev:
		return true
	default:
		metrics.IngestStreamErrors.Inc()
		f.logger.Warn("fan-out queue full, event dropped", "board", ev.BoardID, "owner", ev.ShortOwner())
		return false
	}
}

// Run delivers queued events until ctx is done, then gives what is still
// queued a short grace period.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *Fanout) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			if ctx.Err() != nil {
				metrics.IngestStreamErrors.Inc()
				continue
			}
			f.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, ev model.PixelEvent) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	id, err := f.sink.Publish(ctx, ev)
	if err != nil {
		metrics.IngestStreamErrors.Inc()
		f.logger.Warn("event fan-out failed", "board", ev.BoardID, "error", err)
		return
	}
	f.logger.Debug("event fanned out", "board", ev.BoardID, "event_id", id)
}
