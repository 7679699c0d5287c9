// Package geotiff reads single-band tiled TIFF and GeoTIFF files as lazily loaded
// chunk arrays. Tiles are fetched with ReadAt, decoded to float64 and kept in a
// size-bounded cache, so the same reader works for local files, HTTP range requests
// and blob storage.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/rectifier/chunk"
)

// ErrUnsupported reports a TIFF layout or encoding this package cannot decode.
var ErrUnsupported = errors.New("geotiff: unsupported")

const tileTTL = 10 * time.Minute

// tileData is a decoded tile as cached. Size makes ccache weigh it in bytes.
type tileData []float64

func (t tileData) Size() int64 {
	return int64(len(t))*8 + 24
}

// decodeFunc converts n raw samples, laid out in rows of width, to float64.
type decodeFunc func(raw []byte, order binary.ByteOrder, n, width int, predict bool) ([]float64, error)

// GeoTIFF is an open tiled TIFF image.
type GeoTIFF struct {
	reader    io.ReaderAt
	byteOrder binary.ByteOrder
	tags      Tags
	isBigTIFF bool

	tiling      chunk.Tiling
	tilesAcross int

	tileOffsets    []uint64
	tileByteCounts []uint64

	compression   uint64
	predictor     uint64
	sampleFormat  uint64
	bitsPerSample uint64
	decode        decodeFunc

	hasNoData bool
	noData    float64

	logger   *slog.Logger
	prefetch bool

	tileCache        *ccache.Cache[tileData]
	inflightData     singleflight.Group
	inflightPrefetch singleflight.Group
}

type options struct {
	logger   *slog.Logger
	prefetch bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrefetch loads the eight neighbours of every requested tile in the background.
func WithPrefetch(enabled bool) Option {
	return func(o *options) { o.prefetch = enabled }
}

// Open parses the first image directory of r. cacheSize bounds the decoded tile
// cache in bytes.
func Open(r io.ReaderAt, cacheSize int64, itemsToPrune uint32, opts ...Option) (*GeoTIFF, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	tags, h, err := readTags(r, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read TIFF tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		byteOrder: h.byteOrder,
		tags:      tags,
		isBigTIFF: h.isBigTIFF,
		logger:    o.logger,
		prefetch:  o.prefetch,
	}

	required := func(tag Tag) (uint64, error) {
		v, ok := tags.uint(tag)
		if !ok {
			return 0, fmt.Errorf("missing required tag %s", tag)
		}
		return v, nil
	}
	width, err := required(ImageWidth)
	if err != nil {
		return nil, err
	}
	height, err := required(ImageLength)
	if err != nil {
		return nil, err
	}
	tileWidth, ok := tags.uint(TileWidth)
	if !ok {
		return nil, fmt.Errorf("%w: striped image, only tiled TIFFs can be read", ErrUnsupported)
	}
	tileHeight, err := required(TileLength)
	if err != nil {
		return nil, err
	}
	g.tiling = chunk.Tiling{
		Height:     int(height),
		Width:      int(width),
		TileHeight: int(tileHeight),
		TileWidth:  int(tileWidth),
	}
	if err := g.tiling.Validate(); err != nil {
		return nil, err
	}
	g.tilesAcross = g.tiling.TilesI()

	if g.tileOffsets, ok = tags.uints(TileOffsets); !ok {
		return nil, fmt.Errorf("missing required tag %s", TileOffsets)
	}
	if g.tileByteCounts, ok = tags.uints(TileByteCounts); !ok {
		return nil, fmt.Errorf("missing required tag %s", TileByteCounts)
	}
	if len(g.tileOffsets) < g.tiling.NumTiles() || len(g.tileByteCounts) < g.tiling.NumTiles() {
		return nil, fmt.Errorf("%d tile offsets and %d byte counts for %d tiles",
			len(g.tileOffsets), len(g.tileByteCounts), g.tiling.NumTiles())
	}

	if spp, ok := tags.uint(SamplesPerPixel); ok && spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrUnsupported, spp)
	}
	if g.compression, ok = tags.uint(Compression); !ok {
		g.compression = Uncompressed
	}
	switch g.compression {
	case Uncompressed, DEFLATE, AdobeDeflate:
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, g.compression)
	}
	if g.predictor, ok = tags.uint(Predictor); !ok {
		g.predictor = PredictorNone
	}
	if g.sampleFormat, ok = tags.uint(SampleFormat); !ok {
		g.sampleFormat = SampleFormatUint
	}
	if g.bitsPerSample, ok = tags.uint(BitsPerSample); !ok {
		g.bitsPerSample = 1
	}
	if g.decode, err = decoderFor(g.sampleFormat, g.bitsPerSample, g.predictor); err != nil {
		return nil, err
	}

	if s, ok := tags.ascii(GDALNoData); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			o.logger.Warn("ignoring unparsable nodata value", "value", s)
		} else {
			g.hasNoData = true
			g.noData = v
			if g.sampleFormat == SampleFormatFloat && g.bitsPerSample == 32 {
				g.noData = float64(float32(v))
			}
		}
	}

	g.tileCache = ccache.New(ccache.Configure[tileData]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune))

	o.logger.Debug("opened TIFF",
		"tiling", g.tiling.String(),
		"bigtiff", g.isBigTIFF,
		"compression", g.compression,
		"predictor", g.predictor,
		"sample_format", g.sampleFormat,
		"bits_per_sample", g.bitsPerSample,
		"nodata", g.noData,
	)
	return g, nil
}

// Close stops the tile cache.
func (g *GeoTIFF) Close() {
	g.tileCache.Stop()
}

// Tiling returns the image size and its TIFF tile layout.
func (g *GeoTIFF) Tiling() chunk.Tiling {
	return g.tiling
}

// NoData returns the GDAL nodata value, mapped to NaN by Tile.
func (g *GeoTIFF) NoData() (float64, bool) {
	return g.noData, g.hasNoData
}

// Array exposes the image as a chunk array whose chunks are the TIFF tiles.
func (g *GeoTIFF) Array(name string) (*chunk.Array, error) {
	return chunk.New(name, g.tiling, g.Tile)
}

func tileKey(j, i int) string {
	return strconv.Itoa(j) + "/" + strconv.Itoa(i)
}

// Tile returns the row-major values of tile (j, i) cropped to the image, with nodata
// replaced by NaN. The returned slice is shared with the cache and must not be modified.
func (g *GeoTIFF) Tile(ctx context.Context, j, i int) ([]float64, error) {
	if !g.tiling.Contains(j, i) {
		return nil, fmt.Errorf("tile (%d, %d) outside %s", j, i, g.tiling)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := g.tileData(ctx, j, i)
	if err != nil {
		return nil, err
	}

	if g.prefetch {
		prefetchKey := "prefetch-" + tileKey(j, i)
		bg := context.WithoutCancel(ctx)
		go g.inflightPrefetch.Do(prefetchKey, func() (any, error) {
			g.prefetchNeighbors(bg, j, i)
			time.AfterFunc(1*time.Minute, func() {
				g.inflightPrefetch.Forget(prefetchKey)
			})
			return nil, nil
		})
	}
	return data, nil
}

// tileData returns a cached tile or loads it, once across concurrent callers.
func (g *GeoTIFF) tileData(ctx context.Context, j, i int) (tileData, error) {
	key := tileKey(j, i)
	if item := g.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	ch := g.inflightData.DoChan(key, func() (any, error) {
		raw, err := g.fetchAndDecompressTile(j*g.tilesAcross + i)
		if err != nil {
			return nil, err
		}
		full, err := g.decode(raw, g.byteOrder, g.tiling.TileHeight*g.tiling.TileWidth, g.tiling.TileWidth,
			g.predictor == PredictorHorizontal)
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile (%d, %d): %w", j, i, err)
		}
		data := g.crop(full, j, i)
		if g.hasNoData {
			for k, v := range data {
				if v == g.noData {
					data[k] = math.NaN()
				}
			}
		}
		g.tileCache.Set(key, data, tileTTL)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(tileData), nil
	}
}

// crop drops the padding TIFF stores right and below the edge tiles.
func (g *GeoTIFF) crop(full []float64, j, i int) tileData {
	h, w := g.tiling.TileShape(j, i)
	tw := g.tiling.TileWidth
	if w == tw {
		return full[:h*w]
	}
	out := make(tileData, 0, h*w)
	for r := 0; r < h; r++ {
		out = append(out, full[r*tw:r*tw+w]...)
	}
	return out
}

// fetchAndDecompressTile reads the encoded bytes of one tile and inflates them.
func (g *GeoTIFF) fetchAndDecompressTile(tileNum int) ([]byte, error) {
	if tileNum >= len(g.tileOffsets) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}
	offset := g.tileOffsets[tileNum]
	byteCount := g.tileByteCounts[tileNum]
	tileBytes := make([]byte, byteCount)
	if err := readFullAt(g.reader, tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	switch g.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE, AdobeDeflate:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile %d: %w", tileNum, err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile %d: %w", tileNum, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, g.compression)
}

// prefetchNeighbors loads the tiles around (j, i) without prefetching further.
func (g *GeoTIFF) prefetchNeighbors(ctx context.Context, j, i int) {
	var wg sync.WaitGroup
	for dj := -1; dj <= 1; dj++ {
		for di := -1; di <= 1; di++ {
			if dj == 0 && di == 0 || !g.tiling.Contains(j+dj, i+di) {
				continue
			}
			wg.Add(1)
			go func(nj, ni int) {
				defer wg.Done()
				if _, err := g.tileData(ctx, nj, ni); err != nil {
					g.logger.Debug("prefetch failed", "j", nj, "i", ni, "error", err)
				}
			}(j+dj, i+di)
		}
	}
	wg.Wait()
}

func decoderFor(format, bits, predictor uint64) (decodeFunc, error) {
	if predictor != PredictorNone && predictor != PredictorHorizontal {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupported, predictor)
	}
	switch {
	case format == SampleFormatFloat && predictor == PredictorHorizontal:
		return nil, fmt.Errorf("%w: horizontal predictor on floating point samples", ErrUnsupported)
	case format == SampleFormatFloat && bits == 32:
		return floatSamples[float32], nil
	case format == SampleFormatFloat && bits == 64:
		return floatSamples[float64], nil
	case format == SampleFormatInt && bits == 16:
		return intSamples[int16], nil
	case format == SampleFormatInt && bits == 32:
		return intSamples[int32], nil
	case format == SampleFormatUint && bits == 8:
		return intSamples[uint8], nil
	case format == SampleFormatUint && bits == 16:
		return intSamples[uint16], nil
	case format == SampleFormatUint && bits == 32:
		return intSamples[uint32], nil
	}
	return nil, fmt.Errorf("%w: sample format %d with %d bits", ErrUnsupported, format, bits)
}

func readSamples[T any](raw []byte, order binary.ByteOrder, n int) ([]T, error) {
	vals := make([]T, n)
	if size := binary.Size(vals); len(raw) < size {
		return nil, fmt.Errorf("tile holds %d bytes, want %d", len(raw), size)
	}
	if err := binary.Read(bytes.NewReader(raw), order, vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func floatSamples[T float32 | float64](raw []byte, order binary.ByteOrder, n, _ int, _ bool) ([]float64, error) {
	vals, err := readSamples[T](raw, order, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for k, v := range vals {
		out[k] = float64(v)
	}
	return out, nil
}

type integer interface {
	~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32
}

func intSamples[T integer](raw []byte, order binary.ByteOrder, n, width int, predict bool) ([]float64, error) {
	vals, err := readSamples[T](raw, order, n)
	if err != nil {
		return nil, err
	}
	if predict {
		undoHorizontalPrediction(vals, width)
	}
	out := make([]float64, n)
	for k, v := range vals {
		out[k] = float64(v)
	}
	return out, nil
}

// undoHorizontalPrediction reverses TIFF predictor 2: every sample was stored as the
// difference to its left neighbour, wrapping around the sample type.
func undoHorizontalPrediction[T integer](data []T, width int) {
	for row := 0; row+width <= len(data); row += width {
		for x := 1; x < width; x++ {
			data[row+x] += data[row+x-1]
		}
	}
}
