// Package render holds the pure transforms from a board grid to its persisted
// text encoding and to the presentation payload that gets published.
package render

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emperorhan/pixelboard/internal/domain/model"
)

const hexDigits = "0123456789abcdef"

// EncodeGridText renders one line per row and one lowercase hex digit per
// cell: exactly BoardHeight lines of BoardWidth characters, each ending in '\n'.
func EncodeGridText(grid *model.Grid) []byte {
	buf := make([]byte, 0, model.BoardHeight*(model.BoardWidth+1))
	for y := range grid {
		for _, c := range grid[y] {
			buf = append(buf, hexDigits[c&0x0f])
		}
		buf = append(buf, '\n')
	}
	return buf
}

// DecodeGridText parses the text encoding back into a grid. Lines past the
// board height and characters past the board width are ignored; missing rows
// or trailing cells stay zero. Surrounding whitespace on a line is trimmed.
// A character that is not a hex digit is an error.
func DecodeGridText(data []byte) (model.Grid, error) {
	var grid model.Grid
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for y := 0; y < model.BoardHeight && sc.Scan(); y++ {
		line := strings.TrimSpace(sc.Text())
		if len(line) > model.BoardWidth {
			line = line[:model.BoardWidth]
		}
		for x := 0; x < len(line); x++ {
			v, ok := hexValue(line[x])
			if !ok {
				return model.Grid{}, fmt.Errorf("line %d column %d: %q is not a hex digit", y+1, x+1, line[x])
			}
			grid[y][x] = model.Cell(v)
		}
	}
	if err := sc.Err(); err != nil {
		return model.Grid{}, fmt.Errorf("scan grid text: %w", err)
	}
	return grid, nil
}

func hexValue(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
