package fetch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// decodeReader wraps r with transparent zstd or gzip decompression based on
// the stream's magic bytes. Uncompressed streams pass through unchanged.
func decodeReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)

	header, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peek stream header: %w", err)
	}

	switch {
	case bytes.HasPrefix(header, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open zstd reader: %w", err)
		}
		return &zstdReadCloser{zr}, nil
	case bytes.HasPrefix(header, gzipMagic):
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		return gr, nil
	default:
		return io.NopCloser(br), nil
	}
}

// zstdReadCloser adapts zstd.Decoder's Close (no error) to io.ReadCloser.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
