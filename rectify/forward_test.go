package rectify

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/grid"
)

func TestForwardBlockOf(t *testing.T) {
	lon, lat := swathArrays(t)
	g := swathGrid(t)
	m := geoMapper(t)

	fb, err := ForwardBlockOf(mustBlock(t, lon, 1, 0), mustBlock(t, lat, 1, 0), m, g)
	if err != nil {
		t.Fatalf("ForwardBlockOf: %v", err)
	}
	if fb.Row0 != 3 || fb.Col0 != 0 || fb.Height != 1 || fb.Width != 2 {
		t.Fatalf("block placement = (%d, %d) %dx%d", fb.Row0, fb.Col0, fb.Height, fb.Width)
	}
	if !reflect.DeepEqual(fb.I, []int{0, 0}) || !reflect.DeepEqual(fb.J, []int{2, 2}) {
		t.Errorf("I = %v J = %v, want [0 0] [2 2]", fb.I, fb.J)
	}
	if !reflect.DeepEqual(fb.Valid, []bool{true, true}) {
		t.Errorf("Valid = %v", fb.Valid)
	}
}

func TestForwardBlockOfShapeMismatch(t *testing.T) {
	lon, lat := swathArrays(t)
	_, err := ForwardBlockOf(mustBlock(t, lon, 0, 0), mustBlock(t, lat, 1, 0), geoMapper(t), swathGrid(t))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestForwardBlockOfNaN(t *testing.T) {
	lon := &chunk.Block{Height: 1, Width: 3, Data: []float64{10.35, math.NaN(), math.Inf(1)}}
	lat := &chunk.Block{Height: 1, Width: 3, Data: []float64{53.98, 53.94, 53.90}}
	fb, err := ForwardBlockOf(lon, lat, geoMapper(t), swathGrid(t))
	if err != nil {
		t.Fatalf("ForwardBlockOf: %v", err)
	}
	if !reflect.DeepEqual(fb.Valid, []bool{true, false, false}) {
		t.Errorf("Valid = %v, want [true false false]", fb.Valid)
	}
	if e := ExtentOf(fb); e != (Extent{IMin: 1, JMin: 0, IMax: 1, JMax: 0}) {
		t.Errorf("ExtentOf = %+v", e)
	}
}

// Every quantized pixel must contain the projected coordinate it came from.
func TestForwardRoundTrip(t *testing.T) {
	c := crs.MustParse("EPSG:3395")
	m, err := crs.NewMapper(c, nil)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	g, err := grid.New(c, 1_100_000, 7_200_000, 1000, -1000, 100, 100, 10, 10)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	lon, lat := swathArrays(t)
	lonBlock, latBlock := mustBlock(t, lon, 0, 0), mustBlock(t, lat, 0, 0)
	fb, err := ForwardBlockOf(lonBlock, latBlock, m, g)
	if err != nil {
		t.Fatalf("ForwardBlockOf: %v", err)
	}
	x, y, err := m.Map(lonBlock.Data, latBlock.Data)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	for k := range x {
		if !fb.Valid[k] {
			t.Fatalf("pixel %d unexpectedly invalid", k)
		}
		x0 := g.XMin + float64(fb.I[k])*g.XRes
		y0 := g.YMin + float64(fb.J[k])*g.YRes
		if x[k] < x0 || x[k] >= x0+g.XRes {
			t.Errorf("pixel %d: x %f not in [%f, %f)", k, x[k], x0, x0+g.XRes)
		}
		// YRes is negative: the pixel spans (y0+YRes, y0]
		if y[k] > y0 || y[k] <= y0+g.YRes {
			t.Errorf("pixel %d: y %f not in (%f, %f]", k, y[k], y0+g.YRes, y0)
		}
	}
}

func TestForwardShiftAndAssemble(t *testing.T) {
	lon, lat := swathArrays(t)
	g := swathGrid(t)
	m := geoMapper(t)
	var blocks []*ForwardBlock
	for _, idx := range []chunk.Index{{J: 0, I: 0}, {J: 0, I: 1}, {J: 1, I: 0}, {J: 1, I: 1}} {
		fb, err := ForwardBlockOf(mustBlock(t, lon, idx.J, idx.I), mustBlock(t, lat, idx.J, idx.I), m, g)
		if err != nil {
			t.Fatalf("ForwardBlockOf %v: %v", idx, err)
		}
		blocks = append(blocks, fb.Shift(-1, 1))
	}
	full := Assemble(blocks, 4, 3)
	wantI := []int{2, 3, 4, 2, 3, 3, 1, 2, 3, 1, 1, 2}
	wantJ := []int{-1, -1, -1, -1, 0, 0, 0, 1, 1, 1, 1, 2}
	if !reflect.DeepEqual(full.I, wantI) {
		t.Errorf("I = %v, want %v", full.I, wantI)
	}
	if !reflect.DeepEqual(full.J, wantJ) {
		t.Errorf("J = %v, want %v", full.J, wantJ)
	}
}

func TestCoveringGrid(t *testing.T) {
	g, err := grid.Preliminary(crs.WGS84, 0.2, -0.125, 2, 2)
	if err != nil {
		t.Fatalf("Preliminary: %v", err)
	}
	extents := []Extent{
		{IMin: 51, JMin: -432, IMax: 53, JMax: -430},
		{Empty: true},
		{IMin: 50, JMin: -430, IMax: 51, JMax: -429},
	}
	cg, total, ok := CoveringGrid(g, extents)
	if !ok {
		t.Fatal("CoveringGrid reported no coverage")
	}
	if total != (Extent{IMin: 50, JMin: -432, IMax: 53, JMax: -429}) {
		t.Errorf("total = %+v", total)
	}
	if cg.XMin != 10 || cg.YMin != 54 || cg.Width != 4 || cg.Height != 4 {
		t.Errorf("covering grid = %s", cg)
	}
	if !g.IsPreliminary() {
		t.Error("CoveringGrid modified its input")
	}

	if _, _, ok := CoveringGrid(g, []Extent{{Empty: true}}); ok {
		t.Error("all empty extents should report no coverage")
	}
}
