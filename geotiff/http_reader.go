package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// HTTPRangeReader reads a remote file with HTTP range requests. It is safe for
// concurrent use.
type HTTPRangeReader struct {
	ctx    context.Context
	url    string
	client *http.Client
	size   int64
}

// NewHTTPRangeReader checks that url supports byte ranges and records its size. ctx
// scopes every later request.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	if resp.ContentLength <= 0 {
		return nil, errors.New("could not determine content length or file is empty")
	}

	return &HTTPRangeReader{
		ctx:    ctx,
		url:    url,
		client: client,
		size:   resp.ContentLength,
	}, nil
}

// Size is the remote file length in bytes.
func (h *HTTPRangeReader) Size() int64 {
	return h.size
}

// ReadAt fetches len(p) bytes at off in a single range request. Reads past the end
// are truncated and return io.EOF.
func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http range reader: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	length := min(int64(len(p)), h.size-off)
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:length])
	if err == nil && length < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}
