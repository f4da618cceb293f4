// Package labware describes SBS microplates: plate reference data, well
// addressing and naming, and well positions in the plate's coordinate frame.
package labware

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ukrobotics/dispenselib"
)

// PlateType is the immutable reference record for one plate format, fetched
// by GUID from the data service.
type PlateType struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	WellCount    int     `json:"wellCount"`
	WellPitchMm  float64 `json:"wellPitchMm"`
	XOffsetA1Mm  float64 `json:"xOffsetA1Mm"`
	YOffsetA1Mm  float64 `json:"yOffsetA1Mm"`
	HeightMm     float64 `json:"heightMm"`
	WellVolumeUl float64 `json:"wellVolumeUl"`
}

// WellAddress is a zero-based row/column position on a plate.
type WellAddress struct {
	Row    int
	Column int
}

// sbsLayouts maps the standard SBS well counts to their row/column shape.
var sbsLayouts = map[int][2]int{
	6:    {2, 3},
	12:   {3, 4},
	24:   {4, 6},
	48:   {6, 8},
	96:   {8, 12},
	384:  {16, 24},
	1536: {32, 48},
}

// RowsAndColumnsForWellCount returns the row and column counts for a well
// count. Unknown counts fall back to a square-root approximation, a degraded
// mode for non-standard plates rather than an error.
func RowsAndColumnsForWellCount(wellCount int) (rows, cols int) {
	if shape, ok := sbsLayouts[wellCount]; ok {
		return shape[0], shape[1]
	}
	d := int(math.Round(math.Sqrt(float64(wellCount))))
	return d, d
}

// Name renders the canonical SBS well name: bijective base-26 row letters
// followed by the 1-based column number, e.g. A1, H12, AA1.
func (w WellAddress) Name() string {
	name := ""
	for n := w.Row; n >= 0; n = n/26 - 1 {
		name = string(rune('A'+n%26)) + name
	}
	return name + strconv.Itoa(w.Column+1)
}

// ParseWellName converts a well name back to a WellAddress. Parsing is
// case-insensitive.
func ParseWellName(name string) (WellAddress, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	i := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(s) {
		return WellAddress{}, dispenselib.Configf("malformed well name %q", name)
	}
	row := 0
	for _, r := range s[:i] {
		row = row*26 + int(r-'A'+1)
	}
	col, err := strconv.Atoi(s[i:])
	if err != nil || col < 1 {
		return WellAddress{}, dispenselib.Configf("malformed well name %q", name)
	}
	return WellAddress{Row: row - 1, Column: col - 1}, nil
}

// WellXY computes the well centre in the plate's frame, in millimetres.
func (p *PlateType) WellXY(w WellAddress) (xMm, yMm float64) {
	xMm = p.XOffsetA1Mm + p.WellPitchMm*float64(w.Column)
	yMm = p.YOffsetA1Mm + p.WellPitchMm*float64(w.Row)
	return xMm, yMm
}

// Microns converts a length in millimetres to whole micrometres.
func Microns(mm float64) int {
	return int(math.Round(mm * 1000))
}

// WellSequenceLines returns, per row, the left-to-right well addresses of
// that row. One line is the unit of travel for a single pass of the head.
func WellSequenceLines(wellCount int) [][]WellAddress {
	rows, cols := RowsAndColumnsForWellCount(wellCount)
	lines := make([][]WellAddress, 0, rows)
	for row := 0; row < rows; row++ {
		line := make([]WellAddress, 0, cols)
		for col := 0; col < cols; col++ {
			line = append(line, WellAddress{Row: row, Column: col})
		}
		lines = append(lines, line)
	}
	return lines
}

func (w WellAddress) String() string {
	return fmt.Sprintf("%s (%d,%d)", w.Name(), w.Row, w.Column)
}
