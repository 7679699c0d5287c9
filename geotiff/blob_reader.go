package geotiff

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// BlobReader reads an object of a gocloud.dev bucket (S3, GCS, Azure, local files)
// by byte range. It is safe for concurrent use.
type BlobReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

// NewBlobReader looks up the size of key in bucket. ctx scopes every later read.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}
	return &BlobReader{
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

// Size is the object length in bytes.
func (r *BlobReader) Size() int64 {
	return r.size
}

// ReadAt reads len(p) bytes at off. Reads past the end are truncated and return io.EOF.
func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob reader: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	length := min(int64(len(p)), r.size-off)
	// gocloud.dev/blob takes an offset and a length, not an end byte.
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()

	n, err := io.ReadFull(reader, p[:length])
	if err == nil && length < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}
