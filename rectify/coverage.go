package rectify

import (
	"github.com/akhenakh/rectifier/grid"
)

// Extent is the inclusive range of destination pixels hit by a set of source pixels.
type Extent struct {
	IMin, JMin, IMax, JMax int
	Empty                  bool
}

// ExtentOf returns the extent of the valid pixels of a forward block.
func ExtentOf(fb *ForwardBlock) Extent {
	e := Extent{Empty: true}
	for k, ok := range fb.Valid {
		if !ok {
			continue
		}
		e = e.Union(Extent{IMin: fb.I[k], JMin: fb.J[k], IMax: fb.I[k], JMax: fb.J[k]})
	}
	return e
}

// Union merges two extents, ignoring empty ones.
func (e Extent) Union(o Extent) Extent {
	switch {
	case o.Empty:
		return e
	case e.Empty:
		return o
	}
	return Extent{
		IMin: min(e.IMin, o.IMin),
		JMin: min(e.JMin, o.JMin),
		IMax: max(e.IMax, o.IMax),
		JMax: max(e.JMax, o.JMax),
	}
}

// CoveringGrid derives the grid that exactly bounds the given per-tile extents.
// The bool is false if every extent is empty.
func CoveringGrid(g grid.Grid, extents []Extent) (grid.Grid, Extent, bool) {
	total := Extent{Empty: true}
	for _, e := range extents {
		total = total.Union(e)
	}
	if total.Empty {
		return g, total, false
	}
	return g.WithExtent(total.IMin, total.JMin, total.IMax, total.JMax), total, true
}
