// Package graph evaluates a directed acyclic graph of pure computations lazily and
// in parallel. Each node is identified by a name and a tile position, declares the
// nodes it reads, and is computed at most once per cached lifetime.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrDuplicateNode is returned when a key is added twice.
	ErrDuplicateNode = errors.New("graph: duplicate node")
	// ErrUnknownNode is returned for keys or dependencies that were never added.
	ErrUnknownNode = errors.New("graph: unknown node")
)

// evictableTTL bounds how long an evictable result may be served from the LRU.
const evictableTTL = time.Hour

// Key identifies a node: the computation name and the tile it produces.
type Key struct {
	Name string
	J, I int
}

func (k Key) String() string { return fmt.Sprintf("%s/%d/%d", k.Name, k.J, k.I) }

// Func computes a node from its dependencies' results, given in Deps order.
type Func func(ctx context.Context, inputs []any) (any, error)

// Node is one unit of work.
type Node struct {
	Key  Key
	Deps []Key
	Fn   Func

	// Evictable results are kept in the size-bounded LRU and recomputed on a miss.
	// Other results stay pinned for the lifetime of the graph.
	Evictable bool
}

// Graph holds nodes and their memoized results.
type Graph struct {
	// mu guards nodes, pinned and closed.
	mu     sync.RWMutex
	nodes  map[Key]*Node
	pinned map[Key]any
	closed bool

	// lru caches evictable results, typically raw source tiles.
	lru *ccache.Cache[any]

	// inflight makes concurrent requests for one node share a single evaluation.
	inflight singleflight.Group

	// workers bounds the number of node functions running at once.
	workers *semaphore.Weighted

	metrics *Metrics
	logger  *slog.Logger
}

type config struct {
	workers      int
	cacheSize    int64
	itemsToPrune uint32
	metrics      *Metrics
	logger       *slog.Logger
}

// Option configures a Graph.
type Option func(*config)

// WithWorkers sets the maximum number of concurrently running node functions.
// Values below one select runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithCache sizes the LRU for evictable results. Values implementing
// Size() int64 are weighted by their size, others count as one.
func WithCache(maxSize int64, itemsToPrune uint32) Option {
	return func(c *config) {
		c.cacheSize = maxSize
		c.itemsToPrune = itemsToPrune
	}
}

// WithMetrics records evaluations into m.
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	c := config{cacheSize: 1 << 30, itemsToPrune: 100}
	for _, opt := range opts {
		opt(&c)
	}
	if c.workers < 1 {
		c.workers = runtime.NumCPU()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return &Graph{
		nodes:   make(map[Key]*Node),
		pinned:  make(map[Key]any),
		lru:     ccache.New(ccache.Configure[any]().MaxSize(c.cacheSize).ItemsToPrune(c.itemsToPrune)),
		workers: semaphore.NewWeighted(int64(c.workers)),
		metrics: c.metrics,
		logger:  c.logger,
	}
}

// Close stops the LRU's background worker. Evaluations still running afterwards
// are not cached.
func (g *Graph) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.lru.Stop()
}

// Add inserts nodes. A node may only depend on nodes already in the graph or
// earlier in the same call, which keeps the graph acyclic.
func (g *Graph) Add(nodes ...*Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		if err := g.addLocked(n); err != nil {
			return err
		}
	}
	return nil
}

// Ensure inserts n unless a node with the same key exists.
func (g *Graph) Ensure(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.Key]; ok {
		return nil
	}
	return g.addLocked(n)
}

func (g *Graph) addLocked(n *Node) error {
	if n.Fn == nil {
		return fmt.Errorf("graph: node %s has no function", n.Key)
	}
	if _, ok := g.nodes[n.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Key)
	}
	for _, d := range n.Deps {
		if _, ok := g.nodes[d]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, n.Key, d)
		}
	}
	g.nodes[n.Key] = n
	return nil
}

// Has reports whether a node exists.
func (g *Graph) Has(k Key) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[k]
	return ok
}

// Deps returns the declared dependencies of k.
func (g *Graph) Deps(k Key) ([]Key, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[k]
	if !ok {
		return nil, false
	}
	return append([]Key(nil), n.Deps...), true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Get evaluates k and everything it depends on that is not cached yet.
func (g *Graph) Get(ctx context.Context, k Key) (any, error) {
	if v, ok := g.lookup(k); ok {
		g.metrics.hit(k)
		return v, nil
	}
	g.mu.RLock()
	n, ok := g.nodes[k]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, k)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// shared evaluations ignore caller cancellation, a cancelled caller only stops waiting
	ch := g.inflight.DoChan(k.String(), func() (any, error) {
		return g.evaluate(context.WithoutCancel(ctx), n)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Graph) evaluate(ctx context.Context, n *Node) (any, error) {
	k := n.Key
	if v, ok := g.lookup(k); ok {
		return v, nil
	}
	inputs, err := g.Compute(ctx, n.Deps...)
	if err != nil {
		return nil, err
	}
	if err := g.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	start := time.Now()
	v, err := n.Fn(ctx, inputs)
	g.workers.Release(1)
	elapsed := time.Since(start)
	g.metrics.observe(k, elapsed, err)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", k, err)
	}
	g.logger.Debug("node evaluated", "node", k.String(), "duration", elapsed)
	g.store(n, v)
	return v, nil
}

// Compute evaluates keys concurrently and returns their results in order.
func (g *Graph) Compute(ctx context.Context, keys ...Key) ([]any, error) {
	results := make([]any, len(keys))
	if len(keys) == 0 {
		return results, nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	for idx, k := range keys {
		eg.Go(func() error {
			v, err := g.Get(ctx, k)
			if err != nil {
				return err
			}
			results[idx] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *Graph) lookup(k Key) (any, bool) {
	g.mu.RLock()
	v, ok := g.pinned[k]
	g.mu.RUnlock()
	if ok {
		return v, true
	}
	item := g.lru.Get(k.String())
	if item != nil && !item.Expired() {
		return item.Value(), true
	}
	return nil, false
}

func (g *Graph) store(n *Node, v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if n.Evictable {
		g.lru.Set(n.Key.String(), v, evictableTTL)
		return
	}
	g.pinned[n.Key] = v
}
