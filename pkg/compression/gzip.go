// Package compression implements GZIP payload compression per AS4 specification
package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

const (
	// CompressionTypeGzip is the standard GZIP compression
	CompressionTypeGzip = "application/gzip"
)

// ErrDecompression marks any failure to inflate a compressed attachment.
// It maps to the ebMS3 DecompressionFailure error.
var ErrDecompression = errors.New("decompression failure")

// ErrUnsupportedType is returned for compression types other than gzip.
var ErrUnsupportedType = errors.New("unsupported compression type")

// Compressor handles payload compression
type Compressor struct {
	compressionLevel int
	// MaxDecompressedSize bounds the inflated size; zero means unlimited.
	MaxDecompressedSize int64
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel:    gzip.DefaultCompression,
		MaxDecompressedSize: 512 << 20,
	}
}

// Supports reports whether the compression type can be handled.
func Supports(compressionType string) bool {
	return compressionType == CompressionTypeGzip
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates data compressed with compressionType. Every failure
// wraps ErrDecompression.
func (c *Compressor) Decompress(compressionType string, data []byte) ([]byte, error) {
	if !Supports(compressionType) {
		return nil, fmt.Errorf("%w: %w %q", ErrDecompression, ErrUnsupportedType, compressionType)
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	defer reader.Close()

	var src io.Reader = reader
	if c.MaxDecompressedSize > 0 {
		src = io.LimitReader(reader, c.MaxDecompressedSize+1)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	if c.MaxDecompressedSize > 0 && n > c.MaxDecompressedSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrDecompression, c.MaxDecompressedSize)
	}

	return buf.Bytes(), nil
}

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
