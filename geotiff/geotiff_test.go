package geotiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/akhenakh/rectifier/chunk"
)

// tiffLayout describes a little-endian classic TIFF built by encodeTIFF. Pixel (r, c)
// holds r*10+c, except pixel (0, 0) which holds the nodata value when one is set.
type tiffLayout struct {
	width, height         int
	tileWidth, tileHeight int
	bits, format          int
	compression           int
	predictor             int
	samplesPerPixel       int
	nodata                string
	striped               bool
}

func (s tiffLayout) pixel(r, c int) float64 {
	if r == 0 && c == 0 && s.nodata != "" {
		v, _ := strconv.ParseFloat(s.nodata, 64)
		return v
	}
	return float64(r*10 + c)
}

func (s tiffLayout) encodeTile(t *testing.T, j, i int) []byte {
	t.Helper()
	vals := make([]float64, s.tileWidth*s.tileHeight)
	for dr := 0; dr < s.tileHeight; dr++ {
		for dc := 0; dc < s.tileWidth; dc++ {
			r, c := j*s.tileHeight+dr, i*s.tileWidth+dc
			if r < s.height && c < s.width {
				vals[dr*s.tileWidth+dc] = s.pixel(r, c)
			}
		}
	}
	predict := s.predictor == PredictorHorizontal

	var data any
	switch {
	case s.format == SampleFormatFloat && s.bits == 32:
		out := make([]float32, len(vals))
		for k, v := range vals {
			out[k] = float32(v)
		}
		data = out
	case s.format == SampleFormatFloat && s.bits == 64:
		data = vals
	case s.format == SampleFormatInt && s.bits == 16:
		out := make([]int16, len(vals))
		for k, v := range vals {
			out[k] = int16(v)
		}
		if predict {
			differentiate(out, s.tileWidth)
		}
		data = out
	case s.format == SampleFormatInt && s.bits == 32:
		out := make([]int32, len(vals))
		for k, v := range vals {
			out[k] = int32(v)
		}
		if predict {
			differentiate(out, s.tileWidth)
		}
		data = out
	case s.format == SampleFormatUint && s.bits == 8:
		out := make([]uint8, len(vals))
		for k, v := range vals {
			out[k] = uint8(v)
		}
		if predict {
			differentiate(out, s.tileWidth)
		}
		data = out
	case s.format == SampleFormatUint && s.bits == 16:
		out := make([]uint16, len(vals))
		for k, v := range vals {
			out[k] = uint16(v)
		}
		if predict {
			differentiate(out, s.tileWidth)
		}
		data = out
	default:
		t.Fatalf("no test encoder for format %d with %d bits", s.format, s.bits)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		t.Fatalf("encode tile: %v", err)
	}
	if s.compression != DEFLATE {
		return buf.Bytes()
	}
	var z bytes.Buffer
	w := zlib.NewWriter(&z)
	if _, err := w.Write(buf.Bytes()); err != nil {
		t.Fatalf("compress tile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compress tile: %v", err)
	}
	return z.Bytes()
}

// differentiate applies TIFF predictor 2, wrapping around the sample type.
func differentiate[T integer](data []T, width int) {
	for row := 0; row+width <= len(data); row += width {
		for x := width - 1; x > 0; x-- {
			data[row+x] -= data[row+x-1]
		}
	}
}

type ifdEntry struct {
	tag   Tag
	typ   fieldType
	count int
	data  []byte
}

func shortEntry(tag Tag, v int) ifdEntry {
	return ifdEntry{tag, SHORT, 1, binary.LittleEndian.AppendUint16(nil, uint16(v))}
}

func longsEntry(tag Tag, v []uint32) ifdEntry {
	var data []byte
	for _, x := range v {
		data = binary.LittleEndian.AppendUint32(data, x)
	}
	return ifdEntry{tag, LONG, len(v), data}
}

func encodeTIFF(t *testing.T, s tiffLayout) []byte {
	t.Helper()
	if s.compression == 0 {
		s.compression = Uncompressed
	}
	buf := []byte{'I', 'I', tiffIdentifier, 0, 0, 0, 0, 0}

	var offsets, counts []uint32
	tilesJ := (s.height + s.tileHeight - 1) / s.tileHeight
	tilesI := (s.width + s.tileWidth - 1) / s.tileWidth
	for j := 0; j < tilesJ; j++ {
		for i := 0; i < tilesI; i++ {
			tile := s.encodeTile(t, j, i)
			offsets = append(offsets, uint32(len(buf)))
			counts = append(counts, uint32(len(tile)))
			buf = append(buf, tile...)
		}
	}
	if len(buf)%2 == 1 {
		buf = append(buf, 0)
	}

	entries := []ifdEntry{
		shortEntry(ImageWidth, s.width),
		shortEntry(ImageLength, s.height),
		shortEntry(BitsPerSample, s.bits),
		shortEntry(Compression, s.compression),
	}
	if s.samplesPerPixel > 0 {
		entries = append(entries, shortEntry(SamplesPerPixel, s.samplesPerPixel))
	}
	if s.predictor > 0 {
		entries = append(entries, shortEntry(Predictor, s.predictor))
	}
	if !s.striped {
		entries = append(entries,
			shortEntry(TileWidth, s.tileWidth),
			shortEntry(TileLength, s.tileHeight),
			longsEntry(TileOffsets, offsets),
			longsEntry(TileByteCounts, counts),
		)
	}
	entries = append(entries, shortEntry(SampleFormat, s.format))
	if s.nodata != "" {
		data := append([]byte(s.nodata), 0)
		entries = append(entries, ifdEntry{GDALNoData, ASCII, len(data), data})
	}

	ifdOffset := len(buf)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ifdOffset))
	extra := ifdOffset + 2 + 12*len(entries) + 4
	var tail []byte
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.tag))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.typ))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.count))
		if len(e.data) <= 4 {
			field := make([]byte, 4)
			copy(field, e.data)
			buf = append(buf, field...)
			continue
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(extra+len(tail)))
		tail = append(tail, e.data...)
		if len(tail)%2 == 1 {
			tail = append(tail, 0)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	return append(buf, tail...)
}

// baseLayout is a 3x5 image in 2x4 tiles, so the last tile row and column are cropped.
func baseLayout() tiffLayout {
	return tiffLayout{width: 5, height: 3, tileWidth: 4, tileHeight: 2, bits: 32, format: SampleFormatFloat}
}

var nan = math.NaN()

// wantTiles are the cropped tiles of baseLayout with nodata at (0, 0).
var wantTiles = map[chunk.Index][]float64{
	{J: 0, I: 0}: {nan, 1, 2, 3, 10, 11, 12, 13},
	{J: 0, I: 1}: {4, 14},
	{J: 1, I: 0}: {20, 21, 22, 23},
	{J: 1, I: 1}: {24},
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if math.IsNaN(a[k]) != math.IsNaN(b[k]) || (!math.IsNaN(a[k]) && a[k] != b[k]) {
			return false
		}
	}
	return true
}

func openBytes(t *testing.T, data []byte, opts ...Option) *GeoTIFF {
	t.Helper()
	g, err := Open(bytes.NewReader(data), 1<<20, 10, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestOpenTiles(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*tiffLayout)
		nodata bool
	}{
		{
			name:   "float32 with nodata",
			modify: func(s *tiffLayout) { s.nodata = "-9999" },
			nodata: true,
		},
		{
			name:   "float32 nodata near the type limit",
			modify: func(s *tiffLayout) { s.nodata = "-3.4028234663852886e+38" },
			nodata: true,
		},
		{
			name:   "float64",
			modify: func(s *tiffLayout) { s.bits = 64 },
		},
		{
			name: "int16 deflate with predictor",
			modify: func(s *tiffLayout) {
				s.bits, s.format = 16, SampleFormatInt
				s.compression, s.predictor = DEFLATE, PredictorHorizontal
				s.nodata = "-32768"
			},
			nodata: true,
		},
		{
			name:   "int32",
			modify: func(s *tiffLayout) { s.bits, s.format = 32, SampleFormatInt },
		},
		{
			name: "uint16 deflate",
			modify: func(s *tiffLayout) {
				s.bits, s.format, s.compression = 16, SampleFormatUint, DEFLATE
			},
		},
		{
			name:   "uint8",
			modify: func(s *tiffLayout) { s.bits, s.format, s.samplesPerPixel = 8, SampleFormatUint, 1 },
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := baseLayout()
			tc.modify(&s)
			g := openBytes(t, encodeTIFF(t, s))

			wantTiling := chunk.Tiling{Height: 3, Width: 5, TileHeight: 2, TileWidth: 4}
			if g.Tiling() != wantTiling {
				t.Errorf("Tiling = %v, want %v", g.Tiling(), wantTiling)
			}
			if _, ok := g.NoData(); ok != tc.nodata {
				t.Errorf("NoData ok = %v, want %v", ok, tc.nodata)
			}
			for idx, want := range wantTiles {
				if !tc.nodata && idx == (chunk.Index{}) {
					want = append([]float64{0}, want[1:]...)
				}
				got, err := g.Tile(context.Background(), idx.J, idx.I)
				if err != nil {
					t.Fatalf("Tile%v: %v", idx, err)
				}
				if !sameFloats(got, want) {
					t.Errorf("Tile%v = %v, want %v", idx, got, want)
				}
			}
		})
	}
}

func TestArray(t *testing.T) {
	s := baseLayout()
	s.nodata = "-9999"
	g := openBytes(t, encodeTIFF(t, s))

	a, err := g.Array("band")
	if err != nil {
		t.Fatalf("Array: %v", err)
	}
	if a.Name() != "band" || a.Tiling() != g.Tiling() {
		t.Errorf("array %q with %v", a.Name(), a.Tiling())
	}
	b, err := a.Block(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if b.Row0 != 0 || b.Col0 != 4 || b.Height != 2 || b.Width != 1 || !sameFloats(b.Data, []float64{4, 14}) {
		t.Errorf("block = %+v", b)
	}
}

func TestOpenErrors(t *testing.T) {
	encoded := func(modify func(*tiffLayout)) []byte {
		s := baseLayout()
		modify(&s)
		return encodeTIFF(t, s)
	}
	testCases := []struct {
		name        string
		data        []byte
		unsupported bool
	}{
		{name: "empty", data: nil},
		{name: "truncated header", data: []byte("II*")},
		{name: "bad byte order", data: []byte("XX*\x00\x08\x00\x00\x00")},
		{name: "bad identifier", data: []byte("II\x2b\x01\x08\x00\x00\x00")},
		{name: "no IFD", data: []byte("II*\x00\x00\x00\x00\x00")},
		{name: "IFD past the end", data: []byte("II*\x00\xff\x00\x00\x00")},
		{
			name:        "striped",
			data:        encoded(func(s *tiffLayout) { s.striped = true }),
			unsupported: true,
		},
		{
			name:        "LZW compression",
			data:        encoded(func(s *tiffLayout) { s.compression = 5 }),
			unsupported: true,
		},
		{
			name:        "RGB",
			data:        encoded(func(s *tiffLayout) { s.samplesPerPixel = 3 }),
			unsupported: true,
		},
		{
			name:        "predictor on floats",
			data:        encoded(func(s *tiffLayout) { s.predictor = PredictorHorizontal }),
			unsupported: true,
		},
		{
			name: "unsupported bit depth",
			data: func() []byte {
				data := encoded(func(s *tiffLayout) {})
				// rewrite BitsPerSample from 32 to 24 in the first IFD
				ifd := binary.LittleEndian.Uint32(data[4:8])
				binary.LittleEndian.PutUint16(data[ifd+2+2*12+8:], 24)
				return data
			}(),
			unsupported: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tc.data), 1<<20, 10)
			if err == nil {
				t.Fatal("Open succeeded, want error")
			}
			if errors.Is(err, ErrUnsupported) != tc.unsupported {
				t.Errorf("err = %v, unsupported = %v", err, tc.unsupported)
			}
		})
	}
}

func TestTileErrors(t *testing.T) {
	g := openBytes(t, encodeTIFF(t, baseLayout()))
	if _, err := g.Tile(context.Background(), 2, 0); err == nil {
		t.Error("Tile(2, 0) succeeded, want error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Tile(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// a float32 tile of 2x4 samples needs 32 bytes
	g.tileByteCounts[1] = 4
	if _, err := g.Tile(context.Background(), 0, 1); err == nil {
		t.Error("decoding a short tile succeeded, want error")
	}
}

type countingReader struct {
	r     io.ReaderAt
	reads atomic.Int64
}

func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.r.ReadAt(p, off)
}

func TestTileCached(t *testing.T) {
	cr := &countingReader{r: bytes.NewReader(encodeTIFF(t, baseLayout()))}
	g, err := Open(cr, 1<<20, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	before := cr.reads.Load()
	for k := 0; k < 3; k++ {
		if _, err := g.Tile(context.Background(), 1, 0); err != nil {
			t.Fatalf("Tile: %v", err)
		}
	}
	if got := cr.reads.Load() - before; got != 1 {
		t.Errorf("%d reads for three requests of one tile, want 1", got)
	}
}

func TestPrefetchNeighbors(t *testing.T) {
	data := encodeTIFF(t, baseLayout())
	g := openBytes(t, data)
	g.prefetchNeighbors(context.Background(), 0, 0)
	for _, idx := range []chunk.Index{{J: 0, I: 1}, {J: 1, I: 0}, {J: 1, I: 1}} {
		if g.tileCache.Get(tileKey(idx.J, idx.I)) == nil {
			t.Errorf("tile %v not prefetched", idx)
		}
	}
	if g.tileCache.Get(tileKey(0, 0)) != nil {
		t.Error("prefetch loaded the centre tile")
	}


	// left open: background prefetches may still write to its cache
	pg, err := Open(bytes.NewReader(data), 1<<20, 10, WithPrefetch(true))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := pg.Tile(context.Background(), 1, 1); err != nil {
		t.Fatalf("Tile: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for pg.tileCache.Get(tileKey(0, 0)) == nil {
		if time.Now().After(deadline) {
			t.Fatal("neighbour (0, 0) of tile (1, 1) never prefetched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPRangeReader(t *testing.T) {
	s := baseLayout()
	s.nodata = "-9999"
	data := encodeTIFF(t, s)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "swath.tif", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	ctx := context.Background()
	hr, err := NewHTTPRangeReader(ctx, srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPRangeReader: %v", err)
	}
	if hr.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", hr.Size(), len(data))
	}

	p := make([]byte, 8)
	n, err := hr.ReadAt(p, int64(len(data)-4))
	if n != 4 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past the end = %d, %v, want 4, EOF", n, err)
	}
	if !bytes.Equal(p[:4], data[len(data)-4:]) {
		t.Errorf("ReadAt returned %v", p[:4])
	}

	g, err := Open(hr, 1<<20, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()
	got, err := g.Tile(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if want := wantTiles[chunk.Index{}]; !sameFloats(got, want) {
		t.Errorf("Tile = %v, want %v", got, want)
	}
}

func TestHTTPRangeReaderWithoutRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
	}))
	defer srv.Close()
	if _, err := NewHTTPRangeReader(context.Background(), srv.URL, nil); err == nil {
		t.Error("NewHTTPRangeReader succeeded, want error")
	}
}

func TestBlobReader(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	s := baseLayout()
	s.nodata = "-9999"
	data := encodeTIFF(t, s)
	if err := bucket.WriteAll(ctx, "swath/band.tif", data, nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	if _, err := NewBlobReader(ctx, bucket, "missing.tif"); err == nil {
		t.Error("NewBlobReader(missing) succeeded, want error")
	}
	br, err := NewBlobReader(ctx, bucket, "swath/band.tif")
	if err != nil {
		t.Fatalf("NewBlobReader: %v", err)
	}
	if br.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", br.Size(), len(data))
	}

	g, err := Open(br, 1<<20, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()
	for idx, want := range wantTiles {
		got, err := g.Tile(ctx, idx.J, idx.I)
		if err != nil {
			t.Fatalf("Tile%v: %v", idx, err)
		}
		if !sameFloats(got, want) {
			t.Errorf("Tile%v = %v, want %v", idx, got, want)
		}
	}
}
