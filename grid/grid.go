// Package grid defines the regular destination raster a swath is rectified onto.
package grid

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
)

// Grid is an immutable description of a destination raster. The origin is the
// upper left corner of pixel (0, 0); YRes is negative for north-up grids.
type Grid struct {
	CRS *crs.CRS

	// XMin and YMin are the origin in CRS units.
	XMin, YMin float64
	// XRes and YRes are the pixel size in CRS units.
	XRes, YRes float64

	// Width and Height are the raster size in pixels.
	Width, Height int
	// TileWidth and TileHeight are the nominal tile size in pixels.
	TileWidth, TileHeight int
}

// New creates a fully specified grid.
func New(c *crs.CRS, xMin, yMin, xRes, yRes float64, width, height, tileWidth, tileHeight int) (Grid, error) {
	g := Grid{
		CRS:        c,
		XMin:       xMin,
		YMin:       yMin,
		XRes:       xRes,
		YRes:       yRes,
		Width:      width,
		Height:     height,
		TileWidth:  tileWidth,
		TileHeight: tileHeight,
	}
	return g, g.Validate()
}

// Preliminary creates a placeholder grid with origin (0, 0) and size (0, 0). Only
// CRS, resolution and tile size are meaningful until WithExtent is applied.
func Preliminary(c *crs.CRS, xRes, yRes float64, tileWidth, tileHeight int) (Grid, error) {
	return New(c, 0, 0, xRes, yRes, 0, 0, tileWidth, tileHeight)
}

// Validate checks the grid's invariants.
func (g Grid) Validate() error {
	if g.CRS == nil {
		return errors.New("grid: missing CRS")
	}
	if g.XRes == 0 || g.YRes == 0 {
		return fmt.Errorf("grid: resolution (%g, %g) must not be zero", g.XRes, g.YRes)
	}
	if g.TileWidth <= 0 || g.TileHeight <= 0 {
		return fmt.Errorf("grid: tile size (%d, %d) must be positive", g.TileWidth, g.TileHeight)
	}
	if g.Width < 0 || g.Height < 0 {
		return fmt.Errorf("grid: size (%d, %d) must not be negative", g.Width, g.Height)
	}
	return nil
}

// IsPreliminary reports whether the grid still has no extent.
func (g Grid) IsPreliminary() bool {
	return g.Width == 0 && g.Height == 0
}

// Tiling returns the destination tile layout.
func (g Grid) Tiling() chunk.Tiling {
	return chunk.Tiling{Height: g.Height, Width: g.Width, TileHeight: g.TileHeight, TileWidth: g.TileWidth}
}

// TilesI is the number of tile columns.
func (g Grid) TilesI() int { return g.Tiling().TilesI() }

// TilesJ is the number of tile rows.
func (g Grid) TilesJ() int { return g.Tiling().TilesJ() }

// TileExtent returns the actual width and height of tile (j, i), which is smaller
// than the nominal tile size in the last tile row and column.
func (g Grid) TileExtent(j, i int) (width, height int) {
	h, w := g.Tiling().TileShape(j, i)
	return w, h
}

// WithExtent returns a copy of the grid shifted and resized so that pixel columns
// iMin..iMax and rows jMin..jMax of g become columns and rows 0.. of the result.
func (g Grid) WithExtent(iMin, jMin, iMax, jMax int) Grid {
	n := g
	n.XMin = g.XMin + float64(iMin)*g.XRes
	n.YMin = g.YMin + float64(jMin)*g.YRes
	n.Width = iMax - iMin + 1
	n.Height = jMax - jMin + 1
	return n
}

func (g Grid) String() string {
	return fmt.Sprintf("%s origin (%g, %g) res (%g, %g) size %dx%d tiles %dx%d",
		g.CRS, g.XMin, g.YMin, g.XRes, g.YRes, g.Width, g.Height, g.TileWidth, g.TileHeight)
}

// MarshalJSON encodes the grid for API responses.
func (g Grid) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CRS        string     `json:"crs"`
		Origin     [2]float64 `json:"origin"`
		Resolution [2]float64 `json:"resolution"`
		Size       [2]int     `json:"size"`
		TileSize   [2]int     `json:"tile_size"`
		Tiles      [2]int     `json:"tiles"`
	}{
		CRS:        g.CRS.String(),
		Origin:     [2]float64{g.XMin, g.YMin},
		Resolution: [2]float64{g.XRes, g.YRes},
		Size:       [2]int{g.Width, g.Height},
		TileSize:   [2]int{g.TileWidth, g.TileHeight},
		Tiles:      [2]int{g.TilesI(), g.TilesJ()},
	})
}
