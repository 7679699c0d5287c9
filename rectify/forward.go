package rectify

import (
	"fmt"
	"math"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/grid"
)

// ForwardBlock holds, for one source tile, the integer destination pixel column I
// and row J of every source pixel. Pixels whose geo-coordinates are not finite
// have Valid set to false and meaningless I and J. Indices are not clamped to the
// destination grid.
type ForwardBlock struct {
	Row0, Col0    int
	Height, Width int
	I, J          []int
	Valid         []bool
}

// ForwardBlockOf computes the forward index of one source tile.
func ForwardBlockOf(lon, lat *chunk.Block, m *crs.Mapper, g grid.Grid) (*ForwardBlock, error) {
	if lon.Height != lat.Height || lon.Width != lat.Width || lon.Row0 != lat.Row0 || lon.Col0 != lat.Col0 {
		return nil, fmt.Errorf("%w: lon block %dx%d at (%d, %d), lat block %dx%d at (%d, %d)", ErrShapeMismatch,
			lon.Height, lon.Width, lon.Row0, lon.Col0, lat.Height, lat.Width, lat.Row0, lat.Col0)
	}
	x, y, err := m.Map(lon.Data, lat.Data)
	if err != nil {
		return nil, err
	}
	n := len(lon.Data)
	fb := &ForwardBlock{
		Row0:   lon.Row0,
		Col0:   lon.Col0,
		Height: lon.Height,
		Width:  lon.Width,
		I:      make([]int, n),
		J:      make([]int, n),
		Valid:  make([]bool, n),
	}
	for k := 0; k < n; k++ {
		// pixel centres against an upper left corner origin: flooring picks the containing pixel
		fi := math.Floor((x[k] - g.XMin) / g.XRes)
		fj := math.Floor((y[k] - g.YMin) / g.YRes)
		if !finiteIndex(fi) || !finiteIndex(fj) {
			continue
		}
		fb.I[k] = int(fi)
		fb.J[k] = int(fj)
		fb.Valid[k] = true
	}
	return fb, nil
}

// finiteIndex reports whether v can be represented as a pixel index.
func finiteIndex(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) < 1<<52
}

// Shift returns a copy with di subtracted from every column and dj from every row.
func (fb *ForwardBlock) Shift(di, dj int) *ForwardBlock {
	s := &ForwardBlock{
		Row0:   fb.Row0,
		Col0:   fb.Col0,
		Height: fb.Height,
		Width:  fb.Width,
		I:      make([]int, len(fb.I)),
		J:      make([]int, len(fb.J)),
		Valid:  append([]bool(nil), fb.Valid...),
	}
	for k := range fb.I {
		if fb.Valid[k] {
			s.I[k] = fb.I[k] - di
			s.J[k] = fb.J[k] - dj
		}
	}
	return s
}

// At returns the destination pixel of block-local source pixel (row, col).
func (fb *ForwardBlock) At(row, col int) (i, j int, ok bool) {
	k := row*fb.Width + col
	return fb.I[k], fb.J[k], fb.Valid[k]
}

// Assemble merges forward blocks into one block spanning height x width source pixels.
func Assemble(blocks []*ForwardBlock, height, width int) *ForwardBlock {
	out := &ForwardBlock{
		Height: height,
		Width:  width,
		I:      make([]int, height*width),
		J:      make([]int, height*width),
		Valid:  make([]bool, height*width),
	}
	for _, b := range blocks {
		for r := 0; r < b.Height; r++ {
			dst := (b.Row0+r)*width + b.Col0
			src := r * b.Width
			copy(out.I[dst:dst+b.Width], b.I[src:src+b.Width])
			copy(out.J[dst:dst+b.Width], b.J[src:src+b.Width])
			copy(out.Valid[dst:dst+b.Width], b.Valid[src:src+b.Width])
		}
	}
	return out
}
