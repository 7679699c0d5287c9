//go:build proj

package crs

import (
	"fmt"
	"math"
	"sync"

	goproj "github.com/twpayne/go-proj/v11"
)

func init() {
	backends["proj"] = func(dst *CRS) (Transformer, error) {
		t, err := NewPROJTransformer(dst)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// PROJTransformer uses the PROJ C library. It is only built with the "proj" tag.
// A PJ object is not safe for concurrent use, Project calls are serialized.
type PROJTransformer struct {
	mu sync.Mutex
	pj *goproj.PJ
}

// NewPROJTransformer creates a WGS84 to dst transformer with lon/lat axis order.
func NewPROJTransformer(dst *CRS) (*PROJTransformer, error) {
	pj, err := goproj.NewCRSToCRS("EPSG:4326", dst.Proj4(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjection, err)
	}
	normalized, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProjection, err)
	}
	return &PROJTransformer{pj: normalized}, nil
}

func (t *PROJTransformer) Project(lon, lat []float64) ([]float64, []float64, error) {
	if len(lon) != len(lat) {
		return nil, nil, fmt.Errorf("%w: %d longitudes but %d latitudes", ErrProjection, len(lon), len(lat))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	x := make([]float64, len(lon))
	y := make([]float64, len(lat))
	for k := range lon {
		if !finite(lon[k], lat[k]) {
			x[k], y[k] = math.NaN(), math.NaN()
			continue
		}
		c, err := t.pj.Forward(goproj.NewCoord(lon[k], lat[k], 0, 0))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: (%f, %f): %v", ErrProjection, lon[k], lat[k], err)
		}
		x[k], y[k] = c[0], c[1]
	}
	return x, y, nil
}
