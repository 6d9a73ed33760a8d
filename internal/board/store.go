// Package board owns the in-memory state of every board: grid cells, address
// activity, dirty/publish bookkeeping and the per-board fee rate.
//
// Locking is per board. Events on different boards never contend; a snapshot
// holds only its own board's lock while it copies the grid and activity table.
// The activity durability write runs inside the lock so that the table on disk
// never lags a mutation that was acknowledged.
package board

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

// ActivityWriter persists a board's activity table. It is called with the
// board lock held and must not retain the map after returning.
type ActivityWriter interface {
	SaveActivity(boardID model.BoardID, activity model.Activity) error
}

type boardState struct {
	mu              sync.Mutex
	grid            model.Grid
	activity        model.Activity
	dirty           bool
	version         uint64
	lastPublishedAt time.Time
	feeRate         uint64
}

// Store is the single owner of board state. Create it once at process start
// and inject it into the ingestion path and the scheduler.
type Store struct {
	boards [model.NumBoards]*boardState
	fees   FeePolicy
	writer ActivityWriter
	logger *slog.Logger
}

// NewStore returns a store with every board zeroed, clean and at the base fee.
func NewStore(fees FeePolicy, writer ActivityWriter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		fees:   fees,
		writer: writer,
		logger: logger.With("component", "board_store"),
	}
	for i := range s.boards {
		s.boards[i] = &boardState{
			activity: make(model.Activity),
			feeRate:  fees.Base,
		}
		metrics.FeeRate.WithLabelValues(model.BoardID(i).String()).Set(float64(fees.Base))
	}
	return s
}

func (s *Store) board(id model.BoardID) (*boardState, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBoard, id)
	}
	return s.boards[id], nil
}

// Restore replaces a board's grid and activity with state loaded at startup.
// The board is left clean.
func (s *Store) Restore(id model.BoardID, grid model.Grid, activity model.Activity) error {
	b, err := s.board(id)
	if err != nil {
		return err
	}
	for y := range grid {
		for x, c := range grid[y] {
			if !c.Valid() {
				return fmt.Errorf("restore board %d: cell (%d,%d) value %d outside palette", id, x, y, c)
			}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grid = grid
	if activity == nil {
		activity = make(model.Activity)
	}
	b.activity = activity.Clone()
	return nil
}

// ApplyEvent validates ev and, if valid, writes the cell, increments the
// owner's activity count, marks the board dirty and persists the activity
// table before returning. A failed persist rolls the mutation back and
// returns a *DurabilityError.
func (s *Store) ApplyEvent(ev model.PixelEvent) error {
	cell, err := ValidateEvent(ev)
	if err != nil {
		return err
	}
	b := s.boards[ev.BoardID]

	b.mu.Lock()
	defer b.mu.Unlock()

	prevCell := b.grid[ev.Y][ev.X]
	prevCount, hadOwner := b.activity[ev.Owner]
	prevDirty := b.dirty

	b.grid[ev.Y][ev.X] = cell
	b.activity[ev.Owner] = prevCount + 1
	b.dirty = true
	b.version++

	if s.writer != nil {
		start := time.Now()
		werr := s.writer.SaveActivity(ev.BoardID, b.activity)
		metrics.ActivityWriteLatency.Observe(time.Since(start).Seconds())
		if werr != nil {
			b.grid[ev.Y][ev.X] = prevCell
			if hadOwner {
				b.activity[ev.Owner] = prevCount
			} else {
				delete(b.activity, ev.Owner)
			}
			b.dirty = prevDirty
			b.version--
			return &DurabilityError{BoardID: ev.BoardID, Err: werr}
		}
	}
	return nil
}

// Snapshot copies the board at one instant. It never observes a partially
// applied event.
func (s *Store) Snapshot(id model.BoardID) (model.BoardSnapshot, error) {
	b, err := s.board(id)
	if err != nil {
		return model.BoardSnapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BoardSnapshot{
		BoardID:         id,
		Grid:            b.grid,
		Activity:        b.activity.Clone(),
		FeeRate:         b.feeRate,
		Dirty:           b.dirty,
		Version:         b.version,
		LastPublishedAt: b.lastPublishedAt,
	}, nil
}

// MarkPublished records a confirmed publish of the snapshot taken at version.
// It resets the fee rate and stamps the publish time. The dirty flag is
// cleared only if no event was applied after that snapshot; it reports
// whether the board is now clean.
func (s *Store) MarkPublished(id model.BoardID, at time.Time, version uint64) (bool, error) {
	b, err := s.board(id)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPublishedAt = at
	b.feeRate = s.fees.Base
	metrics.FeeRate.WithLabelValues(id.String()).Set(float64(b.feeRate))
	if b.version == version {
		b.dirty = false
	}
	return !b.dirty, nil
}

// BumpFee raises the board's fee rate by one step, capped at the policy max,
// and returns the new rate.
func (s *Store) BumpFee(id model.BoardID) (uint64, error) {
	b, err := s.board(id)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeRate = s.fees.next(b.feeRate)
	metrics.FeeRate.WithLabelValues(id.String()).Set(float64(b.feeRate))
	return b.feeRate, nil
}

// ResetFee returns the board's fee rate to the policy base.
func (s *Store) ResetFee(id model.BoardID) error {
	b, err := s.board(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeRate = s.fees.Base
	metrics.FeeRate.WithLabelValues(id.String()).Set(float64(b.feeRate))
	return nil
}

// FeeRate returns the board's current fee rate.
func (s *Store) FeeRate(id model.BoardID) (uint64, error) {
	b, err := s.board(id)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feeRate, nil
}

// FeePolicy returns the policy the store was built with.
func (s *Store) FeePolicy() FeePolicy {
	return s.fees
}

// DirtyBoards lists boards with mutations not yet confirmed published, in
// ascending id order.
func (s *Store) DirtyBoards() []model.BoardID {
	dirty := make([]model.BoardID, 0, model.NumBoards)
	for i, b := range s.boards {
		b.mu.Lock()
		if b.dirty {
			dirty = append(dirty, model.BoardID(i))
		}
		b.mu.Unlock()
	}
	metrics.DirtyBoards.Set(float64(len(dirty)))
	return dirty
}

// ActivityEntry is one identity's count, used for ranked listings.
type ActivityEntry struct {
	Identity string `json:"identity"`
	Count    uint64 `json:"count"`
}

// TopActivity returns up to limit identities with the highest counts on the
// board, ties broken by identity.
func (s *Store) TopActivity(id model.BoardID, limit int) ([]ActivityEntry, error) {
	b, err := s.board(id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	entries := make([]ActivityEntry, 0, len(b.activity))
	for k, v := range b.activity {
		entries = append(entries, ActivityEntry{Identity: k, Count: v})
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Identity < entries[j].Identity
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
