package chunk

import (
	"fmt"
)

// Tiling describes how a 2-D raster of Height x Width pixels is partitioned into
// rectangular tiles of TileHeight x TileWidth. Tiles in the last row and column
// may be smaller than the nominal tile size.
type Tiling struct {
	Height, Width         int
	TileHeight, TileWidth int
}

// Index addresses one tile by its row (J) and column (I) in the tile grid.
type Index struct {
	J, I int
}

func (t Tiling) String() string {
	return fmt.Sprintf("%dx%d in tiles of %dx%d", t.Height, t.Width, t.TileHeight, t.TileWidth)
}

// Validate checks that the tile size is positive and the raster size is not negative.
func (t Tiling) Validate() error {
	if t.TileHeight <= 0 || t.TileWidth <= 0 {
		return fmt.Errorf("%w: tile size %dx%d must be positive", ErrShape, t.TileHeight, t.TileWidth)
	}
	if t.Height < 0 || t.Width < 0 {
		return fmt.Errorf("%w: raster size %dx%d must not be negative", ErrShape, t.Height, t.Width)
	}
	return nil
}

// TilesJ is the number of tile rows.
func (t Tiling) TilesJ() int {
	return (t.Height + t.TileHeight - 1) / t.TileHeight
}

// TilesI is the number of tile columns.
func (t Tiling) TilesI() int {
	return (t.Width + t.TileWidth - 1) / t.TileWidth
}

// NumTiles is the total number of tiles.
func (t Tiling) NumTiles() int {
	return t.TilesJ() * t.TilesI()
}

// Contains reports whether (j, i) is a valid tile index.
func (t Tiling) Contains(j, i int) bool {
	return j >= 0 && j < t.TilesJ() && i >= 0 && i < t.TilesI()
}

// Bounds returns the pixel rows [r0, r1) and columns [c0, c1) covered by tile (j, i).
func (t Tiling) Bounds(j, i int) (r0, r1, c0, c1 int) {
	r0 = j * t.TileHeight
	r1 = min(r0+t.TileHeight, t.Height)
	c0 = i * t.TileWidth
	c1 = min(c0+t.TileWidth, t.Width)
	return r0, r1, c0, c1
}

// TileShape returns the actual height and width of tile (j, i).
func (t Tiling) TileShape(j, i int) (height, width int) {
	r0, r1, c0, c1 := t.Bounds(j, i)
	return r1 - r0, c1 - c0
}

// Locate returns the tile containing pixel (row, col) and the pixel's position inside it.
// ok is false if the pixel lies outside the raster.
func (t Tiling) Locate(row, col int) (idx Index, localRow, localCol int, ok bool) {
	if row < 0 || row >= t.Height || col < 0 || col >= t.Width {
		return Index{}, 0, 0, false
	}
	idx = Index{J: row / t.TileHeight, I: col / t.TileWidth}
	return idx, row - idx.J*t.TileHeight, col - idx.I*t.TileWidth, true
}

// Intersecting lists, in row-major order, the tiles that overlap the pixel window
// rows [r0, r1) x columns [c0, c1). The window is clipped to the raster.
func (t Tiling) Intersecting(r0, r1, c0, c1 int) []Index {
	r0, c0 = max(r0, 0), max(c0, 0)
	r1, c1 = min(r1, t.Height), min(c1, t.Width)
	if r0 >= r1 || c0 >= c1 {
		return nil
	}
	var tiles []Index
	for j := r0 / t.TileHeight; j <= (r1-1)/t.TileHeight; j++ {
		for i := c0 / t.TileWidth; i <= (c1-1)/t.TileWidth; i++ {
			tiles = append(tiles, Index{J: j, I: i})
		}
	}
	return tiles
}
