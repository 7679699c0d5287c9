package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/rectifier/chunk"
	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/geotiff"
	"github.com/akhenakh/rectifier/graph"
	"github.com/akhenakh/rectifier/rectify"
)

// source is an opened TIFF input and whatever must be closed with it.
type source struct {
	geo    *geotiff.GeoTIFF
	closer func() error
}

func (s *source) Close() error {
	s.geo.Close()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// openReader picks the transport for src: HTTP range requests, a gocloud.dev blob
// bucket for other URL schemes, or the local file system.
func openReader(ctx context.Context, src string) (io.ReaderAt, func() error, error) {
	switch {
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		r, err := geotiff.NewHTTPRangeReader(ctx, src, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create HTTP reader for %s: %w", src, err)
		}
		return r, nil, nil
	case strings.Contains(src, "://"):
		bucketURL, key, err := splitBlobURL(src)
		if err != nil {
			return nil, nil, err
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
		}
		r, err := geotiff.NewBlobReader(ctx, bucket, key)
		if err != nil {
			bucket.Close()
			return nil, nil, err
		}
		return r, bucket.Close, nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local file: %w", err)
	}
	return f, f.Close, nil
}

// splitBlobURL splits scheme://bucket/dir/key.tif into the bucket URL and the key.
func splitBlobURL(src string) (bucketURL, key string, err error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", "", fmt.Errorf("invalid blob URL %s: %w", src, err)
	}
	key = path.Base(u.Path)
	if key == "/" || key == "." {
		return "", "", fmt.Errorf("blob URL %s names no object", src)
	}
	u.Path = path.Dir(u.Path)
	return u.String(), key, nil
}

func openSource(ctx context.Context, cfg Config, logger *slog.Logger, src string) (*source, error) {
	logger.Info("opening TIFF source", "source", src)
	r, closer, err := openReader(ctx, src)
	if err != nil {
		return nil, err
	}
	geo, err := geotiff.Open(r, cfg.TIFFCacheSize, cfg.CacheItemsToPrune,
		geotiff.WithLogger(logger), geotiff.WithPrefetch(cfg.Prefetch))
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, fmt.Errorf("failed to open %s: %w", src, err)
	}
	return &source{geo: geo, closer: closer}, nil
}

// bandNames derives a graph name per band source from its file name, made unique
// with an index suffix.
func bandNames(srcs []string) []string {
	names := make([]string, len(srcs))
	seen := make(map[string]int)
	for k, src := range srcs {
		base := path.Base(filepath.ToSlash(src))
		name := strings.TrimSuffix(base, path.Ext(base))
		if name == "" || name == "lon" || name == "lat" {
			name = "band" + strconv.Itoa(k)
		}
		if n := seen[name]; n > 0 {
			name += "_" + strconv.Itoa(n)
		}
		seen[name]++
		names[k] = name
	}
	return names
}

// pipeline is a rectification ready to serve tiles from.
type pipeline struct {
	rectifier *rectify.Rectifier
	inverse   *rectify.InverseIndex
	output    *rectify.Output
	source    chunk.Tiling
	sources   []*source
}

func (p *pipeline) Close() {
	p.output.Close()
	p.rectifier.Close()
	for _, s := range p.sources {
		if err := s.Close(); err != nil {
			slog.Warn("failed to close source", "error", err)
		}
	}
}

// buildPipeline opens every input and runs the rectifier up to the inverse index. The
// output tiles themselves are computed on request.
func buildPipeline(ctx context.Context, cfg Config, logger *slog.Logger, g *graph.Graph) (*pipeline, error) {
	job := cfg.Job
	dst, err := job.Grid()
	if err != nil {
		return nil, fmt.Errorf("invalid destination grid: %w", err)
	}

	srcs := append([]string{job.Lon, job.Lat}, job.Bands...)
	opened := make([]*source, len(srcs))
	// readers keep ctx for their later reads, so it must outlive the group
	var eg errgroup.Group
	for k, src := range srcs {
		eg.Go(func() error {
			s, err := openSource(ctx, cfg, logger, src)
			opened[k] = s
			return err
		})
	}
	p := &pipeline{}
	fail := func(err error) (*pipeline, error) {
		for _, s := range opened {
			if s != nil {
				s.Close()
			}
		}
		if p.rectifier != nil {
			p.rectifier.Close()
		}
		return nil, err
	}
	if err := eg.Wait(); err != nil {
		return fail(err)
	}
	p.sources = opened

	lon, err := opened[0].geo.Array("lon")
	if err != nil {
		return fail(err)
	}
	lat, err := opened[1].geo.Array("lat")
	if err != nil {
		return fail(err)
	}
	var bands []*chunk.Array
	for k, name := range bandNames(job.Bands) {
		a, err := opened[k+2].geo.Array(name)
		if err != nil {
			return fail(err)
		}
		bands = append(bands, a)
	}

	opts := []rectify.Option{
		rectify.WithGraph(g),
		rectify.WithCenterOffset(job.CenterOffset),
		rectify.WithLogger(logger),
	}
	if !dst.CRS.IsGeographic() {
		t, err := crs.NewBackendTransformer(cfg.Transformer, dst.CRS)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, rectify.WithTransformer(t))
	}
	p.rectifier, err = rectify.New(lon, lat, dst, opts...)
	if err != nil {
		return fail(err)
	}
	if _, err := p.rectifier.CreateForwardIndex(); err != nil {
		return fail(err)
	}
	if dst.IsPreliminary() {
		resolved, err := p.rectifier.ResolveCoverage(ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to resolve coverage: %w", err))
		}
		logger.Info("resolved covering grid", "grid", resolved.String())
	}
	if p.inverse, err = p.rectifier.CreateInverseIndex(ctx); err != nil {
		return fail(fmt.Errorf("failed to build inverse index: %w", err))
	}
	if p.output, err = p.rectifier.RectifyNearest(ctx, bands...); err != nil {
		return fail(err)
	}
	p.source = lon.Tiling()
	return p, nil
}
