package grid

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/akhenakh/rectifier/crs"
)

func TestNewValidates(t *testing.T) {
	testCases := []struct {
		name        string
		build       func() (Grid, error)
		errContains string
	}{
		{
			name: "valid",
			build: func() (Grid, error) {
				return New(crs.WGS84, 10, 54, 0.2, -0.125, 3, 3, 2, 2)
			},
		},
		{
			name: "missing CRS",
			build: func() (Grid, error) {
				return New(nil, 10, 54, 0.2, -0.125, 3, 3, 2, 2)
			},
			errContains: "missing CRS",
		},
		{
			name: "zero resolution",
			build: func() (Grid, error) {
				return New(crs.WGS84, 0, 0, 0, -1, 3, 3, 2, 2)
			},
			errContains: "resolution",
		},
		{
			name: "zero tile size",
			build: func() (Grid, error) {
				return Preliminary(crs.WGS84, 1, -1, 0, 2)
			},
			errContains: "tile size",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build()
			if tc.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errContains) {
				t.Errorf("error = %v, want it to contain %q", err, tc.errContains)
			}
		})
	}
}

func TestTileExtent(t *testing.T) {
	g, err := New(crs.WGS84, 10, 54, 0.2, -0.125, 5, 3, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if g.TilesI() != 3 || g.TilesJ() != 2 {
		t.Fatalf("tiles = %dx%d, want 3x2", g.TilesI(), g.TilesJ())
	}
	testCases := []struct {
		j, i, w, h int
	}{
		{0, 0, 2, 2},
		{0, 2, 1, 2},
		{1, 1, 2, 1},
		{1, 2, 1, 1},
	}
	for _, tc := range testCases {
		w, h := g.TileExtent(tc.j, tc.i)
		if w != tc.w || h != tc.h {
			t.Errorf("TileExtent(%d, %d) = (%d, %d), want (%d, %d)", tc.j, tc.i, w, h, tc.w, tc.h)
		}
	}
}

func TestWithExtentReturnsNewValue(t *testing.T) {
	p, err := Preliminary(crs.WGS84, 0.5, -0.25, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsPreliminary() {
		t.Fatal("preliminary grid should report IsPreliminary")
	}
	g := p.WithExtent(20, -216, 25, -210)
	if g.XMin != 10 || g.YMin != 54 || g.Width != 6 || g.Height != 7 {
		t.Errorf("WithExtent = %s", g)
	}
	if p.Width != 0 || p.XMin != 0 {
		t.Errorf("WithExtent modified its receiver: %s", p)
	}
	if g.IsPreliminary() {
		t.Error("finalized grid should not be preliminary")
	}
}

func TestMarshalJSON(t *testing.T) {
	g, err := New(crs.WGS84, 10, 54, 0.2, -0.125, 3, 3, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"crs":"EPSG:4326","origin":[10,54],"resolution":[0.2,-0.125],"size":[3,3],"tile_size":[2,2],"tiles":[2,2]}`
	if string(b) != want {
		t.Errorf("json = %s\nwant   %s", b, want)
	}
}
