package model

import (
	"fmt"
	"time"
)

const (
	// NumBoards is the fixed number of boards for the process lifetime.
	NumBoards = 4

	BoardWidth  = 170
	BoardHeight = 100
)

// BoardID identifies one board, valid in [0, NumBoards).
type BoardID int

func (b BoardID) Valid() bool {
	return b >= 0 && b < NumBoards
}

func (b BoardID) String() string {
	return fmt.Sprintf("%d", int(b))
}

// AllBoards returns every board id in ascending order.
func AllBoards() []BoardID {
	ids := make([]BoardID, NumBoards)
	for i := range ids {
		ids[i] = BoardID(i)
	}
	return ids
}

// Grid is one board's cells, indexed [y][x]. Grid is a value type: assigning
// it copies all cells.
type Grid [BoardHeight][BoardWidth]Cell

// InBounds reports whether (x, y) addresses a cell of the grid.
func InBounds(x, y int) bool {
	return x >= 0 && x < BoardWidth && y >= 0 && y < BoardHeight
}

// Activity maps an identity (address) to its accepted event count on a board.
type Activity map[string]uint64

// Clone returns an independent copy.
func (a Activity) Clone() Activity {
	out := make(Activity, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// BoardSnapshot is a consistent, read-only copy of a board taken at one instant.
type BoardSnapshot struct {
	BoardID         BoardID
	Grid            Grid
	Activity        Activity
	FeeRate         uint64
	Dirty           bool
	Version         uint64
	LastPublishedAt time.Time
}
