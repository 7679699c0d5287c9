//go:build proj

package crs

import (
	"math"
	"testing"
)

func TestPROJMatchesGeom(t *testing.T) {
	dst := MustParse("EPSG:3395")
	p, err := NewBackendTransformer("proj", dst)
	if err != nil {
		t.Fatalf("proj backend: %v", err)
	}
	g, err := NewTransformer(dst)
	if err != nil {
		t.Fatalf("geom backend: %v", err)
	}
	lon := []float64{10.35, 10.5, -3.2}
	lat := []float64{53.98, 53.94, 40.1}
	px, py, err := p.Project(lon, lat)
	if err != nil {
		t.Fatalf("proj Project: %v", err)
	}
	gx, gy, err := g.Project(lon, lat)
	if err != nil {
		t.Fatalf("geom Project: %v", err)
	}
	for k := range lon {
		if math.Abs(px[k]-gx[k]) > 0.01 || math.Abs(py[k]-gy[k]) > 0.01 {
			t.Errorf("(%v, %v): proj (%f, %f), geom (%f, %f)", lon[k], lat[k], px[k], py[k], gx[k], gy[k])
		}
	}
}

func TestPROJLambertAzimuthalEqualArea(t *testing.T) {
	tr, err := NewBackendTransformer("proj", MustParse("EPSG:3035"))
	if err != nil {
		t.Fatalf("proj backend: %v", err)
	}
	x, y, err := tr.Project([]float64{10, math.NaN()}, []float64{52, 52})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	// the projection centre maps to the false easting and northing
	if math.Abs(x[0]-4321000) > 0.01 || math.Abs(y[0]-3210000) > 0.01 {
		t.Errorf("(10, 52) mapped to (%f, %f), want (4321000, 3210000)", x[0], y[0])
	}
	if !math.IsNaN(x[1]) || !math.IsNaN(y[1]) {
		t.Errorf("fill value mapped to (%f, %f), want NaN", x[1], y[1])
	}
}
