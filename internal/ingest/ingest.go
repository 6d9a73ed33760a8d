package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

// Applier applies one validated event to board state.
type Applier interface {
	ApplyEvent(ev model.PixelEvent) error
}

// Ingestor maps one external event to one board mutation.
type Ingestor struct {
	store  Applier
	fanout *Fanout
	logger *slog.Logger
}

type Option func(*Ingestor)

// WithFanout queues accepted events on f. Fan-out is best-effort and never
// fails ingestion.
func WithFanout(f *Fanout) Option {
	return func(i *Ingestor) { i.fanout = f }
}

func New(store Applier, logger *slog.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:  store,
		logger: logger.With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest applies ev. It returns a *board.ValidationError for rejected events
// and a *board.DurabilityError when the activity write failed; in both cases
// board state is unchanged.
func (i *Ingestor) Ingest(ctx context.Context, ev model.PixelEvent) error {
	label := boardLabel(ev.BoardID)

	if err := i.store.ApplyEvent(ev); err != nil {
		switch {
		case errors.Is(err, board.ErrValidation):
			metrics.IngestEventsTotal.WithLabelValues(label, "rejected").Inc()
			i.logger.Info("event rejected", "board", ev.BoardID, "x", ev.X, "y", ev.Y, "error", err)
		case errors.Is(err, board.ErrDurability):
			metrics.IngestEventsTotal.WithLabelValues(label, "durability_error").Inc()
			i.logger.Error("event not durable, rolled back", "board", ev.BoardID, "owner", ev.ShortOwner(), "error", err)
		default:
			metrics.IngestEventsTotal.WithLabelValues(label, "error").Inc()
			i.logger.Error("apply event failed", "board", ev.BoardID, "error", err)
		}
		return err
	}

	metrics.IngestEventsTotal.WithLabelValues(label, "accepted").Inc()
	i.logger.Info("processed event",
		"board", ev.BoardID,
		"x", ev.X,
		"y", ev.Y,
		"color", ev.Color,
		"owner", ev.ShortOwner(),
	)

	if i.fanout != nil {
		i.fanout.Offer(ev)
	}
	return nil
}

// boardLabel keeps metric cardinality bounded for out-of-range ids.
func boardLabel(id model.BoardID) string {
	if !id.Valid() {
		return "invalid"
	}
	return id.String()
}
