package model

import "fmt"

// Color is a palette entry name as carried by pixel events.
type Color string

const (
	ColorWhite  Color = "white"
	ColorBlack  Color = "black"
	ColorGray   Color = "gray"
	ColorSilver Color = "silver"
	ColorMaroon Color = "maroon"
	ColorRed    Color = "red"
	ColorPurple Color = "purple"
	ColorFuscia Color = "fuscia"
	ColorGreen  Color = "green"
	ColorLime   Color = "lime"
	ColorOlive  Color = "olive"
	ColorYellow Color = "yellow"
	ColorNavy   Color = "navy"
	ColorBlue   Color = "blue"
	ColorTeal   Color = "teal"
	ColorAqua   Color = "aqua"
)

func (c Color) String() string {
	return string(c)
}

// Palette is the fixed, ordered list of board colors. A cell stores the index
// of its color in this list.
var Palette = [PaletteSize]Color{
	ColorWhite, ColorBlack, ColorGray, ColorSilver,
	ColorMaroon, ColorRed, ColorPurple, ColorFuscia,
	ColorGreen, ColorLime, ColorOlive, ColorYellow,
	ColorNavy, ColorBlue, ColorTeal, ColorAqua,
}

// PaletteSize is the number of palette entries; cell values are in [0, PaletteSize).
const PaletteSize = 16

var paletteIndex = func() map[Color]Cell {
	m := make(map[Color]Cell, PaletteSize)
	for i, c := range Palette {
		m[c] = Cell(i)
	}
	return m
}()

// PaletteIndex returns the cell value for a color name. Names are matched
// exactly; unknown names report ok=false.
func PaletteIndex(c Color) (Cell, bool) {
	idx, ok := paletteIndex[c]
	return idx, ok
}

// Cell is a palette index.
type Cell uint8

// Valid reports whether the cell indexes into the palette.
func (c Cell) Valid() bool {
	return int(c) < PaletteSize
}

// Color returns the palette name for the cell.
func (c Cell) Color() (Color, error) {
	if !c.Valid() {
		return "", fmt.Errorf("cell value %d outside palette", c)
	}
	return Palette[c], nil
}
