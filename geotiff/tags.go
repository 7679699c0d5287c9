package geotiff

import "fmt"

// Tag is a TIFF tag identifier.
type Tag uint16

// Baseline and GeoTIFF tags read by this package.
const (
	ImageWidth          Tag = 256
	ImageLength         Tag = 257
	BitsPerSample       Tag = 258
	Compression         Tag = 259
	SamplesPerPixel     Tag = 277
	PlanarConfiguration Tag = 284
	Predictor           Tag = 317
	TileWidth           Tag = 322
	TileLength          Tag = 323
	TileOffsets         Tag = 324
	TileByteCounts      Tag = 325
	SampleFormat        Tag = 339
	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	GDALNoData          Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:          "ImageWidth",
	ImageLength:         "ImageLength",
	BitsPerSample:       "BitsPerSample",
	Compression:         "Compression",
	SamplesPerPixel:     "SamplesPerPixel",
	PlanarConfiguration: "PlanarConfiguration",
	Predictor:           "Predictor",
	TileWidth:           "TileWidth",
	TileLength:          "TileLength",
	TileOffsets:         "TileOffsets",
	TileByteCounts:      "TileByteCounts",
	SampleFormat:        "SampleFormat",
	ModelPixelScale:     "ModelPixelScale",
	ModelTiepoint:       "ModelTiepoint",
	GDALNoData:          "GDAL_NODATA",
}

func (t Tag) String() string {
	if v, ok := tagToLabel[t]; ok {
		return v
	}
	return fmt.Sprintf("%d", t)
}

// fieldType is the data type of an IFD entry.
type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// fieldTypeLen is the size of every field type in bytes, indexed by type.
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12
	0, 0, 0, // 13-15
	eightByte, eightByte, eightByte, // 16-18
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	if v, ok := fieldTypeToLabel[f]; ok {
		return v
	}
	return fmt.Sprintf("unrecognized field type %d", f)
}

// bytes returns the size of one value of the type, 0 if unrecognized.
func (f fieldType) bytes() uint32 {
	if int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[f]
}

// File header values.
const (
	littleEndian      = 0x4949
	bigEndian         = 0x4D4D
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

// Compression schemes.
const (
	Uncompressed = 1
	DEFLATE      = 8
	// AdobeDeflate is the code older writers use for zlib compression.
	AdobeDeflate = 32946
)

// Predictors.
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// Sample formats.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)
