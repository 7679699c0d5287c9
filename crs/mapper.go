package crs

import (
	"fmt"
	"math"
	"sync"

	"github.com/ctessum/geom/proj"
)

// Transformer projects WGS84 longitude/latitude degrees into a destination CRS.
type Transformer interface {
	Project(lon, lat []float64) (x, y []float64, err error)
}

// geomMu serializes ctessum/geom/proj transforms, which re-initialize the shared
// spatial references on every call.
var geomMu sync.Mutex

// geomTransformer is the pure-Go transformer built on ctessum/geom/proj.
type geomTransformer struct {
	fn proj.Transformer
}

// NewTransformer returns a transformer from WGS84 to dst. It fails for projections
// the pure-Go library does not implement, such as laea (EPSG:3035); use the PROJ
// backend for those.
func NewTransformer(dst *CRS) (Transformer, error) {
	geomMu.Lock()
	_, _, err := dst.sr.Transformers()
	geomMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: no pure Go %s projection for %s, build with the proj tag: %v",
			ErrProjection, dst.sr.Name, dst, err)
	}
	fn, err := WGS84.sr.NewTransform(dst.sr)
	if err != nil {
		return nil, fmt.Errorf("%w: WGS84 to %s: %v", ErrProjection, dst, err)
	}
	return &geomTransformer{fn: fn}, nil
}

// finite reports whether a lon/lat pair can be projected. Swath fill values are NaN.
func finite(lon, lat float64) bool {
	return !math.IsNaN(lon) && !math.IsInf(lon, 0) && !math.IsNaN(lat) && !math.IsInf(lat, 0)
}

func (t *geomTransformer) Project(lon, lat []float64) ([]float64, []float64, error) {
	if len(lon) != len(lat) {
		return nil, nil, fmt.Errorf("%w: %d longitudes but %d latitudes", ErrProjection, len(lon), len(lat))
	}
	geomMu.Lock()
	defer geomMu.Unlock()
	x := make([]float64, len(lon))
	y := make([]float64, len(lat))
	for k := range lon {
		if !finite(lon[k], lat[k]) {
			x[k], y[k] = math.NaN(), math.NaN()
			continue
		}
		if t.fn == nil {
			// dst equals WGS84
			x[k], y[k] = lon[k], lat[k]
			continue
		}
		var err error
		x[k], y[k], err = t.fn(lon[k], lat[k])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: (%f, %f): %v", ErrProjection, lon[k], lat[k], err)
		}
	}
	return x, y, nil
}

// backends holds the transformer constructors by name. PROJ registers itself as
// "proj" when built with the proj tag.
var backends = map[string]func(dst *CRS) (Transformer, error){
	"geom": NewTransformer,
}

// NewBackendTransformer returns a WGS84 to dst transformer of the named backend.
func NewBackendTransformer(backend string, dst *CRS) (Transformer, error) {
	newTransformer, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("unknown transformer backend %q", backend)
	}
	return newTransformer(dst)
}

// Mapper converts source geo-coordinates into destination CRS coordinates.
// It is a pure function of its inputs and safe for concurrent use as long as the
// wrapped Transformer is.
type Mapper struct {
	dst *CRS
	t   Transformer
}

// NewMapper creates a mapper into dst. If t is nil and dst is not geographic, the
// pure-Go transformer is used.
func NewMapper(dst *CRS, t Transformer) (*Mapper, error) {
	if t == nil && !dst.IsGeographic() {
		var err error
		if t, err = NewTransformer(dst); err != nil {
			return nil, err
		}
	}
	return &Mapper{dst: dst, t: t}, nil
}

// Target returns the destination CRS.
func (m *Mapper) Target() *CRS { return m.dst }

// Map returns destination x and y for each lon/lat pair. For a geographic
// destination the inputs are returned unchanged and no transformation runs.
func (m *Mapper) Map(lon, lat []float64) ([]float64, []float64, error) {
	if m.dst.IsGeographic() {
		return lon, lat, nil
	}
	return m.t.Project(lon, lat)
}
