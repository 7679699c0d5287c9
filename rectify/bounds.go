package rectify

import (
	"fmt"

	"github.com/akhenakh/rectifier/grid"
)

// Box is a source pixel window [ColMin, ColMax) x [RowMin, RowMax). An empty box
// keeps the sentinel values (source width, source height, -1, -1) for
// inspection, but merging relies on the Empty flag only.
type Box struct {
	ColMin, RowMin, ColMax, RowMax int
	Empty                          bool
}

// EmptyBox returns the "no source pixel maps here" box of a source image.
func EmptyBox(srcWidth, srcHeight int) Box {
	return Box{ColMin: srcWidth, RowMin: srcHeight, ColMax: -1, RowMax: -1, Empty: true}
}

// Union returns the smallest box containing both boxes. Empty boxes are ignored.
func (b Box) Union(o Box) Box {
	switch {
	case o.Empty:
		return b
	case b.Empty:
		return o
	}
	return Box{
		ColMin: min(b.ColMin, o.ColMin),
		RowMin: min(b.RowMin, o.RowMin),
		ColMax: max(b.ColMax, o.ColMax),
		RowMax: max(b.RowMax, o.RowMax),
	}
}

func (b Box) String() string {
	if b.Empty {
		return "empty"
	}
	return fmt.Sprintf("cols [%d, %d) rows [%d, %d)", b.ColMin, b.ColMax, b.RowMin, b.RowMax)
}

// TileBoxes holds one source box per destination tile, row-major.
type TileBoxes struct {
	TilesJ, TilesI int
	Boxes          []Box
}

// NewTileBoxes returns boxes for a tile grid, all empty.
func NewTileBoxes(tilesJ, tilesI, srcWidth, srcHeight int) *TileBoxes {
	tb := &TileBoxes{TilesJ: tilesJ, TilesI: tilesI, Boxes: make([]Box, tilesJ*tilesI)}
	for k := range tb.Boxes {
		tb.Boxes[k] = EmptyBox(srcWidth, srcHeight)
	}
	return tb
}

// At returns the box of destination tile (j, i).
func (tb *TileBoxes) At(j, i int) Box {
	return tb.Boxes[j*tb.TilesI+i]
}

// SourceBoxesOf determines, for one source tile's forward index, the source box of
// every destination tile the tile contributes to. Each box spans the contributing
// pixels plus a one pixel margin, clipped to the srcWidth x srcHeight image.
func SourceBoxesOf(fb *ForwardBlock, g grid.Grid, srcWidth, srcHeight int) *TileBoxes {
	tilesJ, tilesI := g.TilesJ(), g.TilesI()
	tb := NewTileBoxes(tilesJ, tilesI, srcWidth, srcHeight)

	// raw min/max of contributing pixels per destination tile
	type span struct {
		colMin, rowMin, colMax, rowMax int
		hit                            bool
	}
	spans := make([]span, tilesJ*tilesI)
	for r := 0; r < fb.Height; r++ {
		row := fb.Row0 + r
		for c := 0; c < fb.Width; c++ {
			i, j, ok := fb.At(r, c)
			if !ok || i < 0 || i >= g.Width || j < 0 || j >= g.Height {
				continue
			}
			col := fb.Col0 + c
			s := &spans[(j/g.TileHeight)*tilesI+i/g.TileWidth]
			if !s.hit {
				*s = span{colMin: col, rowMin: row, colMax: col, rowMax: row, hit: true}
				continue
			}
			s.colMin = min(s.colMin, col)
			s.rowMin = min(s.rowMin, row)
			s.colMax = max(s.colMax, col)
			s.rowMax = max(s.rowMax, row)
		}
	}

	for k, s := range spans {
		if !s.hit {
			continue
		}
		tb.Boxes[k] = Box{
			ColMin: max(s.colMin-1, 0),
			RowMin: max(s.rowMin-1, 0),
			ColMax: min(s.colMax+2, srcWidth),
			RowMax: min(s.rowMax+2, srcHeight),
		}
	}
	return tb
}

// MergeBoxes combines the per-source-tile boxes into one box per destination tile.
func MergeBoxes(parts []*TileBoxes, tilesJ, tilesI, srcWidth, srcHeight int) *TileBoxes {
	merged := NewTileBoxes(tilesJ, tilesI, srcWidth, srcHeight)
	for _, p := range parts {
		for k, b := range p.Boxes {
			merged.Boxes[k] = merged.Boxes[k].Union(b)
		}
	}
	return merged
}
