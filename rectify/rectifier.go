// Package rectify reprojects swath rasters, geo-located pixel by pixel through
// longitude and latitude arrays, onto a regular destination grid with nearest
// neighbour resampling.
//
// A Rectifier builds its stages as nodes of a graph.Graph: the forward index maps
// every source pixel to a destination pixel, the optional coverage step fits the
// destination grid to the source, per-tile source boxes bound the work of the
// inverse index, which rasterizes source triangles into fractional source positions
// per destination pixel, and the resampler gathers band values through it.
// Only the tiles that are requested get computed.
package rectify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/graph"
	"github.com/akhenakh/rectifier/grid"
)

// DefaultCenterOffset is added to a source window's origin to obtain the offset
// passed to the inverse indexer.
const DefaultCenterOffset = 0.5

// Rectifier reprojects bands of one source image onto one destination grid. Its
// methods must be called in order: CreateForwardIndex, optionally ResolveCoverage,
// CreateInverseIndex, then RectifyNearest any number of times.
type Rectifier struct {
	name         string
	lon, lat     *chunk.Array
	graph        *graph.Graph
	ownGraph     bool
	mapper       *crs.Mapper
	centerOffset float64
	logger       *slog.Logger

	// mu guards the stage state below.
	mu       sync.Mutex
	grid     grid.Grid
	forward  *ForwardIndex
	resolved bool
	inverse  *InverseIndex
	outputs  int
}

type options struct {
	name         string
	graph        *graph.Graph
	transformer  crs.Transformer
	centerOffset float64
	logger       *slog.Logger
}

// Option configures a Rectifier.
type Option func(*options)

// WithName sets the prefix of the rectifier's graph nodes. Rectifiers sharing a
// graph need distinct names. The default is "rectify".
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithGraph evaluates the rectifier's nodes in g instead of a private graph.
func WithGraph(g *graph.Graph) Option {
	return func(o *options) { o.graph = g }
}

// WithTransformer sets the WGS84 to destination CRS transformer. By default the
// pure Go transformer of the crs package is used.
func WithTransformer(t crs.Transformer) Option {
	return func(o *options) { o.transformer = t }
}

// WithCenterOffset sets the value added to a source window's first column and row
// to position the window in the inverse index, DefaultCenterOffset if unset.
func WithCenterOffset(off float64) Option {
	return func(o *options) { o.centerOffset = off }
}

// WithLogger sets the logger, slog.Default() if unset.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a rectifier for the source image given by lon and lat, which must
// share one tiling, and the destination grid g. g may be a grid.Preliminary grid,
// in which case ResolveCoverage must run before CreateInverseIndex.
func New(lon, lat *chunk.Array, g grid.Grid, opts ...Option) (*Rectifier, error) {
	o := options{name: "rectify", centerOffset: DefaultCenterOffset}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if lon == nil || lat == nil {
		return nil, errors.New("rectify: missing lon or lat array")
	}
	if !chunk.SameTiling(lon, lat) {
		return nil, fmt.Errorf("%w: lon %s, lat %s", ErrShapeMismatch, lon.Tiling(), lat.Tiling())
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	mapper, err := crs.NewMapper(g.CRS, o.transformer)
	if err != nil {
		return nil, err
	}

	r := &Rectifier{
		name:         o.name,
		lon:          lon,
		lat:          lat,
		graph:        o.graph,
		mapper:       mapper,
		centerOffset: o.centerOffset,
		logger:       o.logger.With("rectifier", o.name),
		grid:         g,
	}
	if r.graph == nil {
		r.graph = graph.New(graph.WithLogger(o.logger))
		r.ownGraph = true
	}
	if err := r.addSourceNodes(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the rectifier's private graph. Shared graphs are left untouched.
func (r *Rectifier) Close() {
	if r.ownGraph {
		r.graph.Close()
	}
}

// Name returns the node name prefix.
func (r *Rectifier) Name() string { return r.name }

// Graph returns the graph holding the rectifier's nodes.
func (r *Rectifier) Graph() *graph.Graph { return r.graph }

// Grid returns the current destination grid.
func (r *Rectifier) Grid() grid.Grid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grid
}

// SourceTiling returns the tiling of the source image.
func (r *Rectifier) SourceTiling() chunk.Tiling { return r.lon.Tiling() }

func (r *Rectifier) lonKey(j, i int) graph.Key { return graph.Key{Name: r.name + "_lon", J: j, I: i} }
func (r *Rectifier) latKey(j, i int) graph.Key { return graph.Key{Name: r.name + "_lat", J: j, I: i} }

// addSourceNodes registers the lon and lat chunks as evictable graph nodes.
func (r *Rectifier) addSourceNodes() error {
	t := r.lon.Tiling()
	nodes := make([]*graph.Node, 0, 2*t.NumTiles())
	for j := 0; j < t.TilesJ(); j++ {
		for i := 0; i < t.TilesI(); i++ {
			nodes = append(nodes, chunkNode(r.lonKey(j, i), r.lon), chunkNode(r.latKey(j, i), r.lat))
		}
	}
	return r.graph.Add(nodes...)
}

// chunkNode loads chunk (k.J, k.I) of a.
func chunkNode(k graph.Key, a *chunk.Array) *graph.Node {
	return &graph.Node{
		Key:       k,
		Evictable: true,
		Fn: func(ctx context.Context, _ []any) (any, error) {
			return a.Block(ctx, k.J, k.I)
		},
	}
}

// CreateForwardIndex declares the forward index nodes, one per source tile. Calling
// it again returns the existing index.
func (r *Rectifier) CreateForwardIndex() (*ForwardIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forward != nil {
		return r.forward, nil
	}
	name := r.name + "_forward"
	g, m := r.grid, r.mapper
	t := r.lon.Tiling()
	nodes := make([]*graph.Node, 0, t.NumTiles())
	for j := 0; j < t.TilesJ(); j++ {
		for i := 0; i < t.TilesI(); i++ {
			nodes = append(nodes, &graph.Node{
				Key:  graph.Key{Name: name, J: j, I: i},
				Deps: []graph.Key{r.lonKey(j, i), r.latKey(j, i)},
				Fn: func(_ context.Context, in []any) (any, error) {
					return ForwardBlockOf(in[0].(*chunk.Block), in[1].(*chunk.Block), m, g)
				},
			})
		}
	}
	if err := r.graph.Add(nodes...); err != nil {
		return nil, err
	}
	r.forward = &ForwardIndex{graph: r.graph, name: name, tiling: t}
	r.logger.Debug("forward index declared", "tiles", t.NumTiles(), "grid", g.String())
	return r.forward, nil
}

// ResolveCoverage replaces the destination grid by the smallest grid with the same
// CRS, resolution and tile size that contains every forward indexed source pixel,
// and shifts the forward index onto it. It computes the whole forward index.
func (r *Rectifier) ResolveCoverage(ctx context.Context) (grid.Grid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forward == nil {
		return r.grid, fmt.Errorf("%w: create the forward index before resolving coverage", ErrNotComputed)
	}
	if r.inverse != nil {
		return r.grid, fmt.Errorf("%w: inverse index exists", ErrGridFinalized)
	}
	if r.resolved {
		return r.grid, nil
	}

	t := r.forward.tiling
	name := r.name + "_extent"
	keys := make([]graph.Key, 0, t.NumTiles())
	for j := 0; j < t.TilesJ(); j++ {
		for i := 0; i < t.TilesI(); i++ {
			k := graph.Key{Name: name, J: j, I: i}
			err := r.graph.Ensure(&graph.Node{
				Key:  k,
				Deps: []graph.Key{r.forward.key(j, i)},
				Fn: func(_ context.Context, in []any) (any, error) {
					return ExtentOf(in[0].(*ForwardBlock)), nil
				},
			})
			if err != nil {
				return r.grid, err
			}
			keys = append(keys, k)
		}
	}
	results, err := r.graph.Compute(ctx, keys...)
	if err != nil {
		return r.grid, err
	}
	extents := make([]Extent, len(results))
	for k, v := range results {
		extents[k] = v.(Extent)
	}
	covering, total, ok := CoveringGrid(r.grid, extents)
	if !ok {
		return r.grid, ErrNoCoverage
	}

	final := r.name + "_forward_final"
	nodes := make([]*graph.Node, 0, t.NumTiles())
	for j := 0; j < t.TilesJ(); j++ {
		for i := 0; i < t.TilesI(); i++ {
			nodes = append(nodes, &graph.Node{
				Key:  graph.Key{Name: final, J: j, I: i},
				Deps: []graph.Key{r.forward.key(j, i)},
				Fn: func(_ context.Context, in []any) (any, error) {
					return in[0].(*ForwardBlock).Shift(total.IMin, total.JMin), nil
				},
			})
		}
	}
	if err := r.graph.Add(nodes...); err != nil {
		return r.grid, err
	}
	r.forward = &ForwardIndex{graph: r.graph, name: final, tiling: t}
	r.grid = covering
	r.resolved = true
	r.logger.Info("destination grid resolved", "grid", covering.String(),
		"i_min", total.IMin, "j_min", total.JMin, "i_max", total.IMax, "j_max", total.JMax)
	return covering, nil
}

// sourceWindow is the lon/lat subset a destination tile is rasterized from.
type sourceWindow struct {
	lon, lat *chunk.Block
}

func (w *sourceWindow) Size() int64 { return w.lon.Size() + w.lat.Size() }

// CreateInverseIndex computes the per-tile source boxes and declares the inverse
// index nodes, one per destination tile. Calling it again returns the existing index.
func (r *Rectifier) CreateInverseIndex(ctx context.Context) (*InverseIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forward == nil {
		return nil, fmt.Errorf("%w: create the forward index before the inverse index", ErrNotComputed)
	}
	if r.inverse != nil {
		return r.inverse, nil
	}
	if r.grid.IsPreliminary() {
		return nil, fmt.Errorf("%w: destination grid has no extent, resolve coverage first", ErrNotComputed)
	}

	g, m, offset := r.grid, r.mapper, r.centerOffset
	st := r.lon.Tiling()
	boxesName := r.name + "_bboxes"
	keys := make([]graph.Key, 0, st.NumTiles())
	for j := 0; j < st.TilesJ(); j++ {
		for i := 0; i < st.TilesI(); i++ {
			k := graph.Key{Name: boxesName, J: j, I: i}
			err := r.graph.Ensure(&graph.Node{
				Key:  k,
				Deps: []graph.Key{r.forward.key(j, i)},
				Fn: func(_ context.Context, in []any) (any, error) {
					return SourceBoxesOf(in[0].(*ForwardBlock), g, st.Width, st.Height), nil
				},
			})
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	results, err := r.graph.Compute(ctx, keys...)
	if err != nil {
		return nil, err
	}
	parts := make([]*TileBoxes, len(results))
	for k, v := range results {
		parts[k] = v.(*TileBoxes)
	}
	boxes := MergeBoxes(parts, g.TilesJ(), g.TilesI(), st.Width, st.Height)

	srcName, invName := r.name+"_src", r.name+"_inverse"
	nodes := make([]*graph.Node, 0, 2*len(boxes.Boxes))
	for tj := 0; tj < g.TilesJ(); tj++ {
		for ti := 0; ti < g.TilesI(); ti++ {
			box := boxes.At(tj, ti)
			var deps []graph.Key
			if !box.Empty {
				tiles := st.Intersecting(box.RowMin, box.RowMax, box.ColMin, box.ColMax)
				for _, idx := range tiles {
					deps = append(deps, r.lonKey(idx.J, idx.I))
				}
				for _, idx := range tiles {
					deps = append(deps, r.latKey(idx.J, idx.I))
				}
			}
			srcKey := graph.Key{Name: srcName, J: tj, I: ti}
			nodes = append(nodes, &graph.Node{
				Key:       srcKey,
				Deps:      deps,
				Evictable: true,
				Fn: func(_ context.Context, in []any) (any, error) {
					if box.Empty {
						return &sourceWindow{lon: chunk.NewBlock(0, 0, 0, 0), lat: chunk.NewBlock(0, 0, 0, 0)}, nil
					}
					n := len(in) / 2
					lonBlocks := make([]*chunk.Block, n)
					latBlocks := make([]*chunk.Block, n)
					for k := 0; k < n; k++ {
						lonBlocks[k] = in[k].(*chunk.Block)
						latBlocks[k] = in[n+k].(*chunk.Block)
					}
					return &sourceWindow{
						lon: chunk.Window(lonBlocks, box.RowMin, box.RowMax, box.ColMin, box.ColMax),
						lat: chunk.Window(latBlocks, box.RowMin, box.RowMax, box.ColMin, box.ColMax),
					}, nil
				},
			}, &graph.Node{
				Key:  graph.Key{Name: invName, J: tj, I: ti},
				Deps: []graph.Key{srcKey},
				Fn: func(_ context.Context, in []any) (any, error) {
					w := in[0].(*sourceWindow)
					return InverseTileOf(w.lon, w.lat,
						float64(box.ColMin)+offset, float64(box.RowMin)+offset, m, g, tj, ti)
				},
			})
		}
	}
	if err := r.graph.Add(nodes...); err != nil {
		return nil, err
	}
	r.inverse = &InverseIndex{graph: r.graph, name: invName, grid: g, boxes: boxes}
	r.logger.Info("inverse index declared", "grid", g.String(), "tiles", g.Tiling().NumTiles())
	return r.inverse, nil
}

// RectifyNearest declares one output node per destination tile that gathers the
// bands by nearest neighbour through the inverse index. Bands must share the
// source tiling and have names unique within the graph. The inverse index is
// computed here, because it decides which band chunks each output tile reads.
func (r *Rectifier) RectifyNearest(ctx context.Context, bands ...*chunk.Array) (*Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inverse == nil {
		return nil, fmt.Errorf("%w: create the inverse index before rectifying", ErrNotComputed)
	}
	if len(bands) == 0 {
		return nil, errors.New("rectify: no band to rectify")
	}
	st := r.lon.Tiling()
	for _, b := range bands {
		if b.Tiling() != st {
			return nil, fmt.Errorf("%w: band %s is %s, source is %s", ErrShapeMismatch, b.Name(), b.Tiling(), st)
		}
	}
	for _, b := range bands {
		for j := 0; j < st.TilesJ(); j++ {
			for i := 0; i < st.TilesI(); i++ {
				if err := r.graph.Ensure(chunkNode(graph.Key{Name: b.Name(), J: j, I: i}, b)); err != nil {
					return nil, err
				}
			}
		}
	}

	g := r.inverse.grid
	r.outputs++
	name := fmt.Sprintf("%s_rectify_%d", r.name, r.outputs)
	sources := make([][]chunk.Index, g.Tiling().NumTiles())
	nodes := make([]*graph.Node, 0, len(sources))
	for tj := 0; tj < g.TilesJ(); tj++ {
		for ti := 0; ti < g.TilesI(); ti++ {
			inv, err := r.inverse.Tile(ctx, tj, ti)
			if err != nil {
				return nil, err
			}
			tiles := SourceTilesOf(inv, st)
			sources[tj*g.TilesI()+ti] = tiles
			deps := []graph.Key{r.inverse.key(tj, ti)}
			for _, idx := range tiles {
				for _, b := range bands {
					deps = append(deps, graph.Key{Name: b.Name(), J: idx.J, I: idx.I})
				}
			}
			nb := len(bands)
			nodes = append(nodes, &graph.Node{
				Key:  graph.Key{Name: name, J: tj, I: ti},
				Deps: deps,
				Fn: func(_ context.Context, in []any) (any, error) {
					blocks := make([][]*chunk.Block, nb)
					for b := range blocks {
						blocks[b] = make([]*chunk.Block, len(tiles))
						for k := range tiles {
							blocks[b][k] = in[1+k*nb+b].(*chunk.Block)
						}
					}
					return ResampleTile(in[0].(*InverseTile), st, tiles, blocks)
				},
			})
		}
	}
	if err := r.graph.Add(nodes...); err != nil {
		return nil, err
	}
	names := make([]string, len(bands))
	for k, b := range bands {
		names[k] = b.Name()
	}
	r.logger.Info("rectification declared", "output", name, "bands", names)
	return &Output{graph: r.graph, name: name, grid: g, bands: names, sources: sources}, nil
}

// RectifyToCoveringGrid rectifies bands onto the grid of CRS dst, resolution
// (xRes, yRes) and tile size (tileWidth, tileHeight) that just covers the source.
// Close the output to release the rectifier's graph.
func RectifyToCoveringGrid(ctx context.Context, lon, lat *chunk.Array, dst *crs.CRS,
	xRes, yRes float64, tileWidth, tileHeight int, bands []*chunk.Array, opts ...Option,
) (*Output, error) {
	g, err := grid.Preliminary(dst, xRes, yRes, tileWidth, tileHeight)
	if err != nil {
		return nil, err
	}
	r, err := New(lon, lat, g, opts...)
	if err != nil {
		return nil, err
	}
	out, err := r.rectifyToCoveringGrid(ctx, bands)
	if err != nil {
		r.Close()
		return nil, err
	}
	out.closer = r.Close
	return out, nil
}

func (r *Rectifier) rectifyToCoveringGrid(ctx context.Context, bands []*chunk.Array) (*Output, error) {
	if _, err := r.CreateForwardIndex(); err != nil {
		return nil, err
	}
	if _, err := r.ResolveCoverage(ctx); err != nil {
		return nil, err
	}
	if _, err := r.CreateInverseIndex(ctx); err != nil {
		return nil, err
	}
	return r.RectifyNearest(ctx, bands...)
}
