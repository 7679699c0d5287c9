package rectify

import (
	"context"
	"math"
	"testing"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/grid"
)

// A 4x3 swath over northern Germany, chunked in tiles of 3 rows by 2 columns.
var (
	swathLat = [][]float64{
		{53.98, 53.94, 53.90},
		{53.88, 53.84, 53.80},
		{53.78, 53.74, 53.70},
		{53.68, 53.64, 53.60},
	}
	swathLon = [][]float64{
		{10.35, 10.50, 10.65},
		{10.25, 10.40, 10.55},
		{10.15, 10.30, 10.45},
		{10.05, 10.20, 10.35},
	}
)

func swathArrays(t *testing.T) (lon, lat *chunk.Array) {
	t.Helper()
	lon, err := chunk.FromRows("lon", swathLon, 3, 2)
	if err != nil {
		t.Fatalf("lon array: %v", err)
	}
	lat, err = chunk.FromRows("lat", swathLat, 3, 2)
	if err != nil {
		t.Fatalf("lat array: %v", err)
	}
	return lon, lat
}

// swathBand holds row*10 + col at every source pixel.
func swathBand(t *testing.T, name string) *chunk.Array {
	t.Helper()
	rows := make([][]float64, 4)
	for r := range rows {
		rows[r] = make([]float64, 3)
		for c := range rows[r] {
			rows[r][c] = float64(r*10 + c)
		}
	}
	a, err := chunk.FromRows(name, rows, 3, 2)
	if err != nil {
		t.Fatalf("band array: %v", err)
	}
	return a
}

func swathGrid(t *testing.T) grid.Grid {
	t.Helper()
	g, err := grid.New(crs.WGS84, 10.0, 54.0, 0.2, -0.125, 3, 3, 2, 2)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	return g
}

func geoMapper(t *testing.T) *crs.Mapper {
	t.Helper()
	m, err := crs.NewMapper(crs.WGS84, nil)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}
	return m
}

func mustBlock(t *testing.T, a *chunk.Array, j, i int) *chunk.Block {
	t.Helper()
	b, err := a.Block(context.Background(), j, i)
	if err != nil {
		t.Fatalf("block (%d, %d) of %s: %v", j, i, a.Name(), err)
	}
	return b
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// nan marks an expected uncovered pixel.
var nan = math.NaN()

func checkFloats(t *testing.T, what string, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: %d values, want %d", what, len(got), len(want))
	}
	for k := range want {
		if math.IsNaN(want[k]) {
			if !math.IsNaN(got[k]) {
				t.Errorf("%s[%d] = %v, want NaN", what, k, got[k])
			}
			continue
		}
		if !almostEqual(got[k], want[k]) {
			t.Errorf("%s[%d] = %v, want %v", what, k, got[k], want[k])
		}
	}
}
