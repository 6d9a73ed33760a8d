package board

import (
	"errors"
	"fmt"

	"github.com/emperorhan/pixelboard/internal/domain/model"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid pixel event")
	// ErrDurability matches every *DurabilityError.
	ErrDurability = errors.New("activity durability write failed")
	// ErrUnknownBoard is returned by store operations given an out-of-range board id.
	ErrUnknownBoard = errors.New("unknown board")
)

// ValidationError describes a rejected event. A rejected event never changes state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DurabilityError reports that the activity table could not be persisted. The
// mutation that triggered the write has been rolled back.
type DurabilityError struct {
	BoardID model.BoardID
	Err     error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("persist activity for board %d: %v", e.BoardID, e.Err)
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

func (e *DurabilityError) Is(target error) bool {
	return target == ErrDurability
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateEvent checks an event against board geometry and the palette. Checks
// run in a fixed order: board, coordinates, color, owner.
func ValidateEvent(ev model.PixelEvent) (model.Cell, error) {
	if !ev.BoardID.Valid() {
		return 0, invalid("boardId", "%d not in [0,%d)", ev.BoardID, model.NumBoards)
	}
	if ev.X < 0 || ev.X >= model.BoardWidth {
		return 0, invalid("x", "%d not in [0,%d)", ev.X, model.BoardWidth)
	}
	if ev.Y < 0 || ev.Y >= model.BoardHeight {
		return 0, invalid("y", "%d not in [0,%d)", ev.Y, model.BoardHeight)
	}
	cell, ok := model.PaletteIndex(ev.Color)
	if !ok {
		return 0, invalid("color", "%q is not a palette color", ev.Color)
	}
	if ev.Owner == "" {
		return 0, invalid("owner", "identity is required")
	}
	return cell, nil
}
