package render

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emperorhan/pixelboard/internal/domain/model"
)

const (
	PlaceholderBoardData = "<!--BOARD_DATA-->"
	PlaceholderBoardID   = "<!--BOARD_ID-->"
)

// ErrTemplateMalformed is returned for a template missing a placeholder.
var ErrTemplateMalformed = errors.New("presentation template malformed")

// Template is a validated presentation template.
type Template struct {
	raw string
}

// ParseTemplate checks that both placeholders are present.
func ParseTemplate(data []byte) (*Template, error) {
	raw := string(data)
	for _, p := range []string{PlaceholderBoardData, PlaceholderBoardID} {
		if !strings.Contains(raw, p) {
			return nil, fmt.Errorf("%w: missing %s", ErrTemplateMalformed, p)
		}
	}
	return &Template{raw: raw}, nil
}

// Render substitutes the grid literal and the board id into every
// occurrence of their placeholders.
func (t *Template) Render(boardID model.BoardID, grid *model.Grid) []byte {
	out := strings.ReplaceAll(t.raw, PlaceholderBoardData, BoardDataLiteral(grid))
	out = strings.ReplaceAll(out, PlaceholderBoardID, strconv.Itoa(int(boardID)))
	return []byte(out)
}

// BoardDataLiteral renders the grid as a nested numeric array literal,
// rows outermost: [[0,0,...],[...],...].
func BoardDataLiteral(grid *model.Grid) string {
	var sb strings.Builder
	sb.Grow(model.BoardHeight * (model.BoardWidth*3 + 2))
	var num []byte
	sb.WriteByte('[')
	for y := range grid {
		if y > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('[')
		for x, c := range grid[y] {
			if x > 0 {
				sb.WriteByte(',')
			}
			num = strconv.AppendUint(num[:0], uint64(c), 10)
			sb.Write(num)
		}
		sb.WriteByte(']')
	}
	sb.WriteByte(']')
	return sb.String()
}

// TemplateFile re-reads its template on every render so that edits to the
// asset apply on the next publish cycle.
type TemplateFile struct {
	path string
}

func NewTemplateFile(path string) *TemplateFile {
	return &TemplateFile{path: path}
}

func (f *TemplateFile) Path() string {
	return f.path
}

// Load reads and validates the template.
func (f *TemplateFile) Load() (*Template, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", f.path, err)
	}
	tmpl, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", f.path, err)
	}
	return tmpl, nil
}

// Render loads the template and renders the board into it.
func (f *TemplateFile) Render(boardID model.BoardID, grid *model.Grid) ([]byte, error) {
	tmpl, err := f.Load()
	if err != nil {
		return nil, err
	}
	return tmpl.Render(boardID, grid), nil
}
