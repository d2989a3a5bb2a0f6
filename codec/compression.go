package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the compression algorithm applied to a layer.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses the names returned by [Compression.String].
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CompressionNone, nil
	case "gzip", "gz":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// CompressionFromMediaType returns the compression used by a layer media type.
//
// OCI (`...tar+gzip`, `...tar+zstd`), Docker (`...tar.gzip`) and ocipkg layer
// types are recognized; anything that is not a tar layer is rejected.
func CompressionFromMediaType(mediaType string) (Compression, error) {
	switch {
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, ".tar.gzip"):
		return CompressionGzip, nil
	case strings.HasSuffix(mediaType, "+zstd"):
		return CompressionZstd, nil
	case strings.HasSuffix(mediaType, ".tar"), strings.HasSuffix(mediaType, ".tar.v1"):
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
}

// Compress encodes b. Output is deterministic for equal input: the gzip
// header carries no name or modification time and zstd runs single-threaded.
func Compress(b []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return bytes.Clone(b), nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(b); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(b, nil), nil
	default:
		return nil, fmt.Errorf("compress: unknown compression %d", c)
	}
}

// Decompress decodes b.
func Decompress(b []byte, c Compression) ([]byte, error) {
	rc, err := NewDecompressReader(bytes.NewReader(b), c)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", c, err)
	}
	return out, nil
}

// NewDecompressReader returns a reader yielding the decoded content of r.
// Read errors from the decoder wrap [ErrDecompression].
func NewDecompressReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrDecompression, err)
		}
		return &decodeReader{r: zr, close: zr.Close, name: "gzip"}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
		}
		return &decodeReader{r: dec, close: func() error { dec.Close(); return nil }, name: "zstd"}, nil
	default:
		return nil, fmt.Errorf("decompress: unknown compression %d", c)
	}
}

// decodeReader wraps decoder failures in ErrDecompression.
type decodeReader struct {
	r     io.Reader
	close func() error
	name  string
}

func (d *decodeReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %s: %v", ErrDecompression, d.name, err)
	}
	return n, err
}

func (d *decodeReader) Close() error {
	return d.close()
}
