package rectify

import (
	"fmt"
	"math"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/grid"
)

// uvDelta widens the barycentric acceptance test so that pixel centres on a shared
// triangle edge are claimed by at least one of the two triangles.
const uvDelta = 0.001

// InverseTile holds, for every pixel of one destination tile, the fractional source
// column and row it is sampled from. Uncovered pixels are NaN with Covered false.
type InverseTile struct {
	Height, Width int
	Col, Row      []float64
	Covered       []bool
}

// NewInverseTile returns an uncovered tile.
func NewInverseTile(height, width int) *InverseTile {
	t := &InverseTile{
		Height:  height,
		Width:   width,
		Col:     make([]float64, height*width),
		Row:     make([]float64, height*width),
		Covered: make([]bool, height*width),
	}
	for k := range t.Col {
		t.Col[k] = math.NaN()
		t.Row[k] = math.NaN()
	}
	return t
}

// At returns the fractional source position of tile pixel (row, col).
func (t *InverseTile) At(row, col int) (srcCol, srcRow float64, ok bool) {
	k := row*t.Width + col
	return t.Col[k], t.Row[k], t.Covered[k]
}

// Size reports the approximate memory held by the tile in bytes.
func (t *InverseTile) Size() int64 {
	return int64(len(t.Col))*17 + 64
}

// quad is the 2x2 source pixel neighbourhood with upper left pixel (r, c), in
// fractional destination pixel coordinates local to the destination tile.
type quad struct {
	r, c       int
	x0, y0     float64 // (r, c)
	x1, y1     float64 // (r, c+1)
	x2, y2     float64 // (r+1, c)
	x3, y3     float64 // (r+1, c+1)
	minI, minJ int
	detA, detB float64
}

// InverseTileOf rasterizes the source window lon/lat onto destination tile (tj, ti).
// Every 2x2 neighbourhood of source pixels is split into the triangles P0-P1-P2 and
// P3-P2-P1; destination pixel centres inside a triangle receive the source position
// interpolated from the barycentric coordinates, shifted by (offX, offY), the position
// of the window's first pixel in the source image. Triangles are painted in row-major
// order, all first triangles before all second triangles per sweep step, and later
// writes win.
func InverseTileOf(lon, lat *chunk.Block, offX, offY float64, m *crs.Mapper, g grid.Grid, tj, ti int) (*InverseTile, error) {
	if lon.Height != lat.Height || lon.Width != lat.Width {
		return nil, fmt.Errorf("%w: lon window %dx%d, lat window %dx%d", ErrShapeMismatch,
			lon.Height, lon.Width, lat.Height, lat.Width)
	}
	width, height := g.TileExtent(tj, ti)
	tile := NewInverseTile(height, width)
	if lon.Height < 2 || lon.Width < 2 {
		return tile, nil
	}

	x, y, err := m.Map(lon.Data, lat.Data)
	if err != nil {
		return nil, err
	}
	fi := make([]float64, len(x))
	fj := make([]float64, len(y))
	for k := range x {
		fi[k] = (x[k]-g.XMin)/g.XRes - float64(ti*g.TileWidth)
		fj[k] = (y[k]-g.YMin)/g.YRes - float64(tj*g.TileHeight)
	}

	quads, sweepW, sweepH := quadsOf(fi, fj, lon.Height, lon.Width, g)

	for jo := 0; jo < sweepH; jo++ {
		for io := 0; io < sweepW; io++ {
			for _, q := range quads {
				if q.detA == 0 {
					continue
				}
				di, dj := q.minI+io, q.minJ+jo
				if di < 0 || di >= width || dj < 0 || dj >= height {
					continue
				}
				px, py := float64(di)+0.5, float64(dj)+0.5
				u := ((q.x0-px)*(q.y0-q.y2) - (q.y0-py)*(q.x0-q.x2)) / q.detA
				v := ((q.y0-py)*(q.x0-q.x1) - (q.x0-px)*(q.y0-q.y1)) / q.detA
				if !insideTriangle(u, v) {
					continue
				}
				k := dj*width + di
				tile.Col[k] = float64(q.c) + offX + u
				tile.Row[k] = float64(q.r) + offY + v
				tile.Covered[k] = true
			}
			for _, q := range quads {
				if q.detB == 0 {
					continue
				}
				di, dj := q.minI+io, q.minJ+jo
				if di < 0 || di >= width || dj < 0 || dj >= height {
					continue
				}
				px, py := float64(di)+0.5, float64(dj)+0.5
				u := ((q.x3-px)*(q.y3-q.y1) - (q.y3-py)*(q.x3-q.x1)) / q.detB
				v := ((q.y3-py)*(q.x3-q.x2) - (q.x3-px)*(q.y3-q.y2)) / q.detB
				if !insideTriangle(u, v) {
					continue
				}
				k := dj*width + di
				tile.Col[k] = float64(q.c) + offX + 1 - u
				tile.Row[k] = float64(q.r) + offY + 1 - v
				tile.Covered[k] = true
			}
		}
	}
	return tile, nil
}

// quadsOf builds the quads of a height x width window of fractional destination
// coordinates and returns the sweep extent: the largest bounding box among quads
// whose P0 lies on the tile's nominal area. Quads with a non-finite corner are
// left out.
func quadsOf(fi, fj []float64, height, width int, g grid.Grid) ([]quad, int, int) {
	quads := make([]quad, 0, (height-1)*(width-1))
	sweepW, sweepH := 0, 0
	for r := 0; r < height-1; r++ {
		for c := 0; c < width-1; c++ {
			k0, k1 := r*width+c, r*width+c+1
			k2, k3 := (r+1)*width+c, (r+1)*width+c+1
			q := quad{
				r: r, c: c,
				x0: fi[k0], y0: fj[k0],
				x1: fi[k1], y1: fj[k1],
				x2: fi[k2], y2: fj[k2],
				x3: fi[k3], y3: fj[k3],
			}
			minX, maxX := math.Floor(min(q.x0, q.x1, q.x2, q.x3)), math.Ceil(max(q.x0, q.x1, q.x2, q.x3))
			minY, maxY := math.Floor(min(q.y0, q.y1, q.y2, q.y3)), math.Ceil(max(q.y0, q.y1, q.y2, q.y3))
			// min and max propagate NaN, so this also rejects NaN corners
			if !finiteIndex(minX) || !finiteIndex(maxX) || !finiteIndex(minY) || !finiteIndex(maxY) {
				continue
			}
			q.minI, q.minJ = int(minX), int(minY)
			q.detA = (q.x0-q.x1)*(q.y0-q.y2) - (q.x0-q.x2)*(q.y0-q.y1)
			q.detB = (q.x3-q.x2)*(q.y3-q.y1) - (q.x3-q.x1)*(q.y3-q.y2)
			if q.x0 >= 0 && q.y0 >= 0 && q.x0 <= float64(g.TileWidth) && q.y0 <= float64(g.TileHeight) {
				sweepW = max(sweepW, int(maxX)-q.minI)
				sweepH = max(sweepH, int(maxY)-q.minJ)
			}
			quads = append(quads, q)
		}
	}
	return quads, sweepW, sweepH
}

func insideTriangle(u, v float64) bool {
	return u >= -uvDelta && v >= -uvDelta && u+v <= 1+2*uvDelta
}
