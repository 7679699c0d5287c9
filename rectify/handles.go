package rectify

import (
	"context"
	"fmt"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/graph"
	"github.com/akhenakh/rectifier/grid"
)

// ForwardIndex is the lazily computed forward index, one block per source tile.
type ForwardIndex struct {
	graph  *graph.Graph
	name   string
	tiling chunk.Tiling
}

// Name returns the graph node name of the blocks.
func (f *ForwardIndex) Name() string { return f.name }

// Tiling returns the source tiling the index is chunked by.
func (f *ForwardIndex) Tiling() chunk.Tiling { return f.tiling }

func (f *ForwardIndex) key(j, i int) graph.Key { return graph.Key{Name: f.name, J: j, I: i} }

// Block computes the forward index of source tile (j, i).
func (f *ForwardIndex) Block(ctx context.Context, j, i int) (*ForwardBlock, error) {
	if !f.tiling.Contains(j, i) {
		return nil, fmt.Errorf("%w: tile (%d, %d) outside %s", chunk.ErrShape, j, i, f.tiling)
	}
	v, err := f.graph.Get(ctx, f.key(j, i))
	if err != nil {
		return nil, err
	}
	return v.(*ForwardBlock), nil
}

// Compute computes every block and assembles the index of the whole source image.
func (f *ForwardIndex) Compute(ctx context.Context) (*ForwardBlock, error) {
	results, err := computeTiles(ctx, f.graph, f.name, f.tiling)
	if err != nil {
		return nil, err
	}
	blocks := make([]*ForwardBlock, len(results))
	for k, v := range results {
		blocks[k] = v.(*ForwardBlock)
	}
	return Assemble(blocks, f.tiling.Height, f.tiling.Width), nil
}

// InverseIndex is the lazily computed inverse index, one tile per destination tile.
type InverseIndex struct {
	graph *graph.Graph
	name  string
	grid  grid.Grid
	boxes *TileBoxes
}

// Name returns the graph node name of the tiles.
func (x *InverseIndex) Name() string { return x.name }

// Grid returns the destination grid the index was built for.
func (x *InverseIndex) Grid() grid.Grid { return x.grid }

// Boxes returns the merged source box of every destination tile.
func (x *InverseIndex) Boxes() *TileBoxes { return x.boxes }

func (x *InverseIndex) key(tj, ti int) graph.Key { return graph.Key{Name: x.name, J: tj, I: ti} }

// Tile computes the inverse index of destination tile (tj, ti).
func (x *InverseIndex) Tile(ctx context.Context, tj, ti int) (*InverseTile, error) {
	if !x.grid.Tiling().Contains(tj, ti) {
		return nil, fmt.Errorf("%w: tile (%d, %d) outside %s", chunk.ErrShape, tj, ti, x.grid.Tiling())
	}
	v, err := x.graph.Get(ctx, x.key(tj, ti))
	if err != nil {
		return nil, err
	}
	return v.(*InverseTile), nil
}

// Compute assembles the inverse index of the whole destination grid.
func (x *InverseIndex) Compute(ctx context.Context) (*InverseTile, error) {
	t := x.grid.Tiling()
	tiles, err := computeTiles(ctx, x.graph, x.name, t)
	if err != nil {
		return nil, err
	}
	out := NewInverseTile(t.Height, t.Width)
	for k, v := range tiles {
		tile := v.(*InverseTile)
		r0, _, c0, _ := t.Bounds(k/t.TilesI(), k%t.TilesI())
		for r := 0; r < tile.Height; r++ {
			dst := (r0+r)*t.Width + c0
			src := r * tile.Width
			copy(out.Col[dst:dst+tile.Width], tile.Col[src:src+tile.Width])
			copy(out.Row[dst:dst+tile.Width], tile.Row[src:src+tile.Width])
			copy(out.Covered[dst:dst+tile.Width], tile.Covered[src:src+tile.Width])
		}
	}
	return out, nil
}

// Output is a lazily computed rectification of one or more bands.
type Output struct {
	graph   *graph.Graph
	name    string
	grid    grid.Grid
	bands   []string
	sources [][]chunk.Index
	closer  func()
}

// Name returns the graph node name of the output tiles.
func (o *Output) Name() string { return o.name }

// Grid returns the destination grid.
func (o *Output) Grid() grid.Grid { return o.grid }

// Bands returns the names of the rectified bands, in output order.
func (o *Output) Bands() []string { return append([]string(nil), o.bands...) }

// SourceTiles returns the source tiles destination tile (tj, ti) reads from, nil
// for a tile outside the grid.
func (o *Output) SourceTiles(tj, ti int) []chunk.Index {
	if !o.grid.Tiling().Contains(tj, ti) {
		return nil
	}
	return append([]chunk.Index(nil), o.sources[tj*o.grid.TilesI()+ti]...)
}

// Close releases a graph created for this output alone.
func (o *Output) Close() {
	if o.closer != nil {
		o.closer()
	}
}

// Tile computes destination tile (tj, ti).
func (o *Output) Tile(ctx context.Context, tj, ti int) (*OutputTile, error) {
	if !o.grid.Tiling().Contains(tj, ti) {
		return nil, fmt.Errorf("%w: tile (%d, %d) outside %s", chunk.ErrShape, tj, ti, o.grid.Tiling())
	}
	v, err := o.graph.Get(ctx, graph.Key{Name: o.name, J: tj, I: ti})
	if err != nil {
		return nil, err
	}
	return v.(*OutputTile), nil
}

// Compute assembles the output of the whole destination grid.
func (o *Output) Compute(ctx context.Context) (*OutputTile, error) {
	t := o.grid.Tiling()
	tiles, err := computeTiles(ctx, o.graph, o.name, t)
	if err != nil {
		return nil, err
	}
	out := NewOutputTile(len(o.bands), t.Height, t.Width)
	for k, v := range tiles {
		tile := v.(*OutputTile)
		r0, _, c0, _ := t.Bounds(k/t.TilesI(), k%t.TilesI())
		for r := 0; r < tile.Height; r++ {
			dst := (r0+r)*t.Width + c0
			src := r * tile.Width
			for b := range out.Bands {
				copy(out.Bands[b][dst:dst+tile.Width], tile.Bands[b][src:src+tile.Width])
			}
			copy(out.Covered[dst:dst+tile.Width], tile.Covered[src:src+tile.Width])
		}
	}
	return out, nil
}

// computeTiles evaluates the nodes named name over every tile of t, row-major.
func computeTiles(ctx context.Context, g *graph.Graph, name string, t chunk.Tiling) ([]any, error) {
	keys := make([]graph.Key, 0, t.NumTiles())
	for j := 0; j < t.TilesJ(); j++ {
		for i := 0; i < t.TilesI(); i++ {
			keys = append(keys, graph.Key{Name: name, J: j, I: i})
		}
	}
	return g.Compute(ctx, keys...)
}
