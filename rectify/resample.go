package rectify

import (
	"fmt"
	"math"
	"slices"

	"github.com/akhenakh/rectifier/chunk"
)

// OutputTile is one destination tile of rectified bands. Bands[b] is row-major;
// uncovered pixels are NaN in every band and have Covered false.
type OutputTile struct {
	Height, Width int
	Bands         [][]float32
	Covered       []bool
}

// NewOutputTile returns an uncovered tile of n bands.
func NewOutputTile(n, height, width int) *OutputTile {
	t := &OutputTile{
		Height:  height,
		Width:   width,
		Bands:   make([][]float32, n),
		Covered: make([]bool, height*width),
	}
	nan := float32(math.NaN())
	for b := range t.Bands {
		t.Bands[b] = make([]float32, height*width)
		for k := range t.Bands[b] {
			t.Bands[b][k] = nan
		}
	}
	return t
}

// At returns band b at tile pixel (row, col).
func (t *OutputTile) At(b, row, col int) float32 {
	return t.Bands[b][row*t.Width+col]
}

// Size reports the approximate memory held by the tile in bytes.
func (t *OutputTile) Size() int64 {
	return int64(len(t.Bands)*t.Height*t.Width*4+len(t.Covered)) + 64
}

// nearestPixel rounds a fractional source position half to even and locates the
// pixel in the source tiling.
func nearestPixel(t chunk.Tiling, col, row float64) (chunk.Index, int, int, bool) {
	c, r := math.RoundToEven(col), math.RoundToEven(row)
	if !finiteIndex(c) || !finiteIndex(r) {
		return chunk.Index{}, 0, 0, false
	}
	return t.Locate(int(r), int(c))
}

// SourceTilesOf returns, in row-major order, the distinct source tiles an inverse
// tile samples from.
func SourceTilesOf(inv *InverseTile, t chunk.Tiling) []chunk.Index {
	seen := make(map[chunk.Index]struct{})
	for k, ok := range inv.Covered {
		if !ok {
			continue
		}
		idx, _, _, ok := nearestPixel(t, inv.Col[k], inv.Row[k])
		if ok {
			seen[idx] = struct{}{}
		}
	}
	tiles := make([]chunk.Index, 0, len(seen))
	for idx := range seen {
		tiles = append(tiles, idx)
	}
	slices.SortFunc(tiles, func(a, b chunk.Index) int {
		if a.J != b.J {
			return a.J - b.J
		}
		return a.I - b.I
	})
	return tiles
}

// ResampleTile fills a destination tile by nearest neighbour lookup. tiles lists the
// source tiles to read from and blocks[b][k] is band b's block of tiles[k]. Pixels
// whose nearest source pixel lies outside the image or in a tile not listed stay NaN.
func ResampleTile(inv *InverseTile, t chunk.Tiling, tiles []chunk.Index, blocks [][]*chunk.Block) (*OutputTile, error) {
	out := NewOutputTile(len(blocks), inv.Height, inv.Width)
	slot := make(map[chunk.Index]int, len(tiles))
	for k, idx := range tiles {
		slot[idx] = k
	}
	for b, bb := range blocks {
		if len(bb) != len(tiles) {
			return nil, fmt.Errorf("%w: band %d has %d blocks for %d tiles", ErrShapeMismatch, b, len(bb), len(tiles))
		}
	}
	for k, ok := range inv.Covered {
		if !ok {
			continue
		}
		idx, row, col, ok := nearestPixel(t, inv.Col[k], inv.Row[k])
		if !ok {
			continue
		}
		s, ok := slot[idx]
		if !ok {
			continue
		}
		for b := range blocks {
			out.Bands[b][k] = float32(blocks[b][s].At(row, col))
		}
		out.Covered[k] = true
	}
	return out, nil
}
