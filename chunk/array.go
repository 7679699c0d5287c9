// Package chunk provides tiled 2-D float rasters whose tiles are loaded lazily,
// one block at a time, plus the window arithmetic needed to read across tile
// boundaries.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrShape reports inconsistent array, tile or block dimensions.
var ErrShape = errors.New("chunk: shape mismatch")

// LoadFunc returns the row-major pixel values of tile (j, i). The slice must hold
// exactly the tile's actual height times width values.
type LoadFunc func(ctx context.Context, j, i int) ([]float64, error)

// Block is a rectangular, row-major piece of a raster positioned at (Row0, Col0)
// in the raster's pixel coordinates.
type Block struct {
	Row0, Col0    int
	Height, Width int
	Data          []float64
}

// NewBlock allocates a block filled with NaN.
func NewBlock(row0, col0, height, width int) *Block {
	data := make([]float64, height*width)
	for k := range data {
		data[k] = math.NaN()
	}
	return &Block{Row0: row0, Col0: col0, Height: height, Width: width, Data: data}
}

// At returns the value at block-local (row, col).
func (b *Block) At(row, col int) float64 {
	return b.Data[row*b.Width+col]
}

// Size reports the approximate memory held by the block in bytes. It lets size-aware
// caches account for blocks by weight instead of count.
func (b *Block) Size() int64 {
	return int64(len(b.Data))*8 + 64
}

// Array is a lazily loaded, tiled 2-D raster.
type Array struct {
	name   string
	tiling Tiling
	load   LoadFunc
}

// New creates an array. The name identifies the array's chunks in a task graph and
// must be unique among arrays sharing one graph.
func New(name string, t Tiling, load LoadFunc) (*Array, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("chunk: array name must not be empty")
	}
	if load == nil {
		return nil, errors.New("chunk: nil load function")
	}
	return &Array{name: name, tiling: t, load: load}, nil
}

// FromRows wraps an in-memory raster given as rows of equal length.
func FromRows(name string, rows [][]float64, tileHeight, tileWidth int) (*Array, error) {
	height := len(rows)
	width := 0
	if height > 0 {
		width = len(rows[0])
	}
	data := make([]float64, 0, height*width)
	for r, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, r, len(row), width)
		}
		data = append(data, row...)
	}
	return FromSlice(name, data, height, width, tileHeight, tileWidth)
}

// FromSlice wraps an in-memory row-major raster of height x width values.
func FromSlice(name string, data []float64, height, width, tileHeight, tileWidth int) (*Array, error) {
	if len(data) != height*width {
		return nil, fmt.Errorf("%w: %d values for a %dx%d raster", ErrShape, len(data), height, width)
	}
	t := Tiling{Height: height, Width: width, TileHeight: tileHeight, TileWidth: tileWidth}
	return New(name, t, func(_ context.Context, j, i int) ([]float64, error) {
		r0, r1, c0, c1 := t.Bounds(j, i)
		tile := make([]float64, 0, (r1-r0)*(c1-c0))
		for r := r0; r < r1; r++ {
			tile = append(tile, data[r*width+c0:r*width+c1]...)
		}
		return tile, nil
	})
}

// Name returns the array's graph name.
func (a *Array) Name() string { return a.name }

// Tiling returns the array's shape and tile layout.
func (a *Array) Tiling() Tiling { return a.tiling }

// Block loads tile (j, i).
func (a *Array) Block(ctx context.Context, j, i int) (*Block, error) {
	if !a.tiling.Contains(j, i) {
		return nil, fmt.Errorf("%w: tile (%d, %d) outside %s", ErrShape, j, i, a.tiling)
	}
	r0, r1, c0, c1 := a.tiling.Bounds(j, i)
	data, err := a.load(ctx, j, i)
	if err != nil {
		return nil, fmt.Errorf("failed to load tile (%d, %d) of %s: %w", j, i, a.name, err)
	}
	if len(data) != (r1-r0)*(c1-c0) {
		return nil, fmt.Errorf("%w: tile (%d, %d) of %s has %d values, want %d",
			ErrShape, j, i, a.name, len(data), (r1-r0)*(c1-c0))
	}
	return &Block{Row0: r0, Col0: c0, Height: r1 - r0, Width: c1 - c0, Data: data}, nil
}

// Window copies the pixel window rows [r0, r1) x columns [c0, c1) out of the given
// blocks. Pixels not covered by any block stay NaN.
func Window(blocks []*Block, r0, r1, c0, c1 int) *Block {
	w := NewBlock(r0, c0, max(r1-r0, 0), max(c1-c0, 0))
	for _, b := range blocks {
		rowFrom, rowTo := max(r0, b.Row0), min(r1, b.Row0+b.Height)
		colFrom, colTo := max(c0, b.Col0), min(c1, b.Col0+b.Width)
		if rowFrom >= rowTo || colFrom >= colTo {
			continue
		}
		for r := rowFrom; r < rowTo; r++ {
			src := b.Data[(r-b.Row0)*b.Width+(colFrom-b.Col0) : (r-b.Row0)*b.Width+(colTo-b.Col0)]
			copy(w.Data[(r-r0)*w.Width+(colFrom-c0):], src)
		}
	}
	return w
}

// SameTiling reports whether two arrays share shape and tile layout.
func SameTiling(a, b *Array) bool {
	return a.tiling == b.tiling
}
