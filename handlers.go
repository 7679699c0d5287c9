package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/grid"
)

// Server answers REST requests once a pipeline is ready.
type Server struct {
	logger *slog.Logger
	state  atomic.Pointer[pipeline]
}

func (s *Server) ready(p *pipeline) {
	s.state.Store(p)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /grid", s.gridHandler)
	mux.HandleFunc("GET /tiles/{tj}/{ti}", s.tileHandler)
	mux.HandleFunc("GET /inverse/{tj}/{ti}", s.inverseHandler)
	return mux
}

type tilingJSON struct {
	Height     int `json:"height"`
	Width      int `json:"width"`
	TileHeight int `json:"tile_height"`
	TileWidth  int `json:"tile_width"`
}

type gridResponse struct {
	Grid   grid.Grid  `json:"grid"`
	Source tilingJSON `json:"source"`
	Bands  []string   `json:"bands"`
}

type bandStats struct {
	Valid  int     `json:"valid"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

type bandTile struct {
	Name   string     `json:"name"`
	Values []*float64 `json:"values"`
	Stats  *bandStats `json:"stats,omitempty"`
}

type tileResponse struct {
	TJ          int           `json:"tj"`
	TI          int           `json:"ti"`
	Height      int           `json:"height"`
	Width       int           `json:"width"`
	SourceTiles []chunk.Index `json:"source_tiles"`
	Bands       []bandTile    `json:"bands"`
}

type inverseResponse struct {
	TJ      int        `json:"tj"`
	TI      int        `json:"ti"`
	Height  int        `json:"height"`
	Width   int        `json:"width"`
	Covered int        `json:"covered"`
	Col     []*float64 `json:"col"`
	Row     []*float64 `json:"row"`
}

// nullable maps NaN to a JSON null.
func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// statsOf summarizes the non-NaN values, nil when there are none.
func statsOf(values []float32) *bandStats {
	valid := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			valid = append(valid, float64(v))
		}
	}
	if len(valid) == 0 {
		return nil
	}
	mean, std := stat.PopMeanStdDev(valid, nil)
	return &bandStats{
		Valid:  len(valid),
		Min:    floats.Min(valid),
		Max:    floats.Max(valid),
		Mean:   mean,
		StdDev: std,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// pipelineOr503 returns the ready pipeline or answers 503.
func (s *Server) pipelineOr503(w http.ResponseWriter) *pipeline {
	p := s.state.Load()
	if p == nil {
		http.Error(w, "rectification not ready", http.StatusServiceUnavailable)
	}
	return p
}

// tileIndex parses the {tj}/{ti} path values and checks them against the grid.
func tileIndex(w http.ResponseWriter, r *http.Request, g grid.Grid) (tj, ti int, ok bool) {
	tj, err := strconv.Atoi(r.PathValue("tj"))
	if err != nil {
		http.Error(w, "Invalid tile row", http.StatusBadRequest)
		return 0, 0, false
	}
	ti, err = strconv.Atoi(r.PathValue("ti"))
	if err != nil {
		http.Error(w, "Invalid tile column", http.StatusBadRequest)
		return 0, 0, false
	}
	if !g.Tiling().Contains(tj, ti) {
		http.Error(w, fmt.Sprintf("tile (%d, %d) outside the %dx%d tile grid", tj, ti, g.TilesJ(), g.TilesI()),
			http.StatusNotFound)
		return 0, 0, false
	}
	return tj, ti, true
}

func (s *Server) computeError(w http.ResponseWriter, r *http.Request, err error) {
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.logger.Debug("request cancelled", "path", r.URL.Path)
		return
	}
	s.logger.Error("tile computation failed", "path", r.URL.Path, "error", err)
	http.Error(w, fmt.Sprintf("Could not compute tile: %v", err), http.StatusInternalServerError)
}

func (s *Server) gridHandler(w http.ResponseWriter, r *http.Request) {
	p := s.pipelineOr503(w)
	if p == nil {
		return
	}
	writeJSON(w, gridResponse{
		Grid: p.output.Grid(),
		Source: tilingJSON{
			Height:     p.source.Height,
			Width:      p.source.Width,
			TileHeight: p.source.TileHeight,
			TileWidth:  p.source.TileWidth,
		},
		Bands: p.output.Bands(),
	})
}

func (s *Server) tileHandler(w http.ResponseWriter, r *http.Request) {
	p := s.pipelineOr503(w)
	if p == nil {
		return
	}
	tj, ti, ok := tileIndex(w, r, p.output.Grid())
	if !ok {
		return
	}
	tile, err := p.output.Tile(r.Context(), tj, ti)
	if err != nil {
		s.computeError(w, r, err)
		return
	}

	resp := tileResponse{
		TJ:          tj,
		TI:          ti,
		Height:      tile.Height,
		Width:       tile.Width,
		SourceTiles: p.output.SourceTiles(tj, ti),
	}
	for b, name := range p.output.Bands() {
		values := make([]*float64, len(tile.Bands[b]))
		for k, v := range tile.Bands[b] {
			values[k] = nullable(float64(v))
		}
		resp.Bands = append(resp.Bands, bandTile{Name: name, Values: values, Stats: statsOf(tile.Bands[b])})
	}
	writeJSON(w, resp)
}

func (s *Server) inverseHandler(w http.ResponseWriter, r *http.Request) {
	p := s.pipelineOr503(w)
	if p == nil {
		return
	}
	tj, ti, ok := tileIndex(w, r, p.inverse.Grid())
	if !ok {
		return
	}
	inv, err := p.inverse.Tile(r.Context(), tj, ti)
	if err != nil {
		s.computeError(w, r, err)
		return
	}

	resp := inverseResponse{
		TJ:     tj,
		TI:     ti,
		Height: inv.Height,
		Width:  inv.Width,
		Col:    make([]*float64, len(inv.Col)),
		Row:    make([]*float64, len(inv.Row)),
	}
	for k, covered := range inv.Covered {
		if !covered {
			continue
		}
		resp.Covered++
		resp.Col[k] = nullable(inv.Col[k])
		resp.Row[k] = nullable(inv.Row[k])
	}
	writeJSON(w, resp)
}
