package labware

import (
	"testing"
)

func TestWellName(t *testing.T) {
	cases := []struct {
		row, col int
		want     string
	}{
		{0, 0, "A1"},
		{0, 11, "A12"},
		{7, 11, "H12"},
		{15, 23, "P24"},
		{25, 0, "Z1"},
		{26, 0, "AA1"},
		{27, 47, "AB48"},
	}
	for _, c := range cases {
		got := WellAddress{Row: c.row, Column: c.col}.Name()
		if got != c.want {
			t.Errorf("Name(%d,%d) = %q, want %q", c.row, c.col, got, c.want)
		}
	}
}

func TestParseWellName(t *testing.T) {
	cases := []struct {
		name     string
		row, col int
	}{
		{"A1", 0, 0},
		{"a12", 0, 11},
		{"H12", 7, 11},
		{"z1", 25, 0},
		{"AA1", 26, 0},
		{" AB48 ", 27, 47},
	}
	for _, c := range cases {
		got, err := ParseWellName(c.name)
		if err != nil {
			t.Errorf("ParseWellName(%q): %v", c.name, err)
			continue
		}
		if got.Row != c.row || got.Column != c.col {
			t.Errorf("ParseWellName(%q) = (%d,%d), want (%d,%d)", c.name, got.Row, got.Column, c.row, c.col)
		}
	}
	for _, bad := range []string{"", "12", "A", "A0", "A1.5", "1A"} {
		if _, err := ParseWellName(bad); err == nil {
			t.Errorf("ParseWellName(%q) should fail", bad)
		}
	}
}

func TestWellNameRoundTrip(t *testing.T) {
	for row := 0; row < 60; row++ {
		for _, col := range []int{0, 5, 47} {
			w := WellAddress{Row: row, Column: col}
			got, err := ParseWellName(w.Name())
			if err != nil {
				t.Fatalf("ParseWellName(%q): %v", w.Name(), err)
			}
			if got != w {
				t.Fatalf("round trip of %v gave %v", w, got)
			}
		}
	}
}

func TestRowsAndColumnsForWellCount(t *testing.T) {
	cases := []struct {
		wellCount, rows, cols int
	}{
		{6, 2, 3},
		{12, 3, 4},
		{24, 4, 6},
		{48, 6, 8},
		{96, 8, 12},
		{384, 16, 24},
		{1536, 32, 48},
		{100, 10, 10}, // square-root fallback
		{60, 8, 8},
	}
	for _, c := range cases {
		rows, cols := RowsAndColumnsForWellCount(c.wellCount)
		if rows != c.rows || cols != c.cols {
			t.Errorf("RowsAndColumnsForWellCount(%d) = (%d,%d), want (%d,%d)",
				c.wellCount, rows, cols, c.rows, c.cols)
		}
	}
}

func TestWellXY(t *testing.T) {
	plate := &PlateType{
		WellCount:   96,
		WellPitchMm: 9,
		XOffsetA1Mm: 14.38,
		YOffsetA1Mm: 11.24,
	}
	x, y := plate.WellXY(WellAddress{Row: 0, Column: 0})
	if x != 14.38 || y != 11.24 {
		t.Errorf("A1 at (%v,%v), want offsets", x, y)
	}
	x, y = plate.WellXY(WellAddress{Row: 7, Column: 11})
	if x != 14.38+9*11 || y != 11.24+9*7 {
		t.Errorf("H12 at (%v,%v)", x, y)
	}
	if got := Microns(x); got != 113380 {
		t.Errorf("Microns(%v) = %d, want 113380", x, got)
	}
}

func TestMicronsRounding(t *testing.T) {
	cases := []struct {
		mm   float64
		want int
	}{
		{0, 0},
		{1, 1000},
		{10.0004, 10000},
		{10.0006, 10001},
		{0.0005, 1},
	}
	for _, c := range cases {
		if got := Microns(c.mm); got != c.want {
			t.Errorf("Microns(%v) = %d, want %d", c.mm, got, c.want)
		}
	}
}

func TestWellSequenceLines(t *testing.T) {
	lines := WellSequenceLines(96)
	if len(lines) != 8 {
		t.Fatalf("expected 8 lines, got %d", len(lines))
	}
	for row, line := range lines {
		if len(line) != 12 {
			t.Fatalf("row %d: expected 12 wells, got %d", row, len(line))
		}
		for col, w := range line {
			if w.Row != row || w.Column != col {
				t.Errorf("row %d col %d: got %v", row, col, w)
			}
		}
	}
	if lines[0][0].Name() != "A1" || lines[7][11].Name() != "H12" {
		t.Error("line corners should be A1 and H12")
	}
}
