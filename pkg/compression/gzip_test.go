package compression

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_CompressDecompress(t *testing.T) {
	compressor := NewCompressor()

	testData := []byte(strings.Repeat("This is test data that should be compressed. ", 5))

	compressed, err := compressor.Compress(testData)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(testData))
	assert.True(t, IsGzip(compressed))

	decompressed, err := compressor.Decompress(CompressionTypeGzip, compressed)
	require.NoError(t, err)
	assert.Equal(t, testData, decompressed)
}

func TestCompressor_DecompressInvalid(t *testing.T) {
	compressor := NewCompressor()

	_, err := compressor.Decompress(CompressionTypeGzip, []byte("not gzip data"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecompression))

	_, err = compressor.Decompress("application/x-bzip2", []byte{})
	assert.True(t, errors.Is(err, ErrDecompression))
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestCompressor_DecompressLimit(t *testing.T) {
	compressor := NewCompressor()
	compressed, err := compressor.Compress(make([]byte, 4096))
	require.NoError(t, err)

	compressor.MaxDecompressedSize = 1024
	_, err = compressor.Decompress(CompressionTypeGzip, compressed)
	assert.True(t, errors.Is(err, ErrDecompression))

	compressor.MaxDecompressedSize = 4096
	out, err := compressor.Decompress(CompressionTypeGzip, compressed)
	require.NoError(t, err)
	assert.Len(t, out, 4096)
}

func TestIsGzip(t *testing.T) {
	assert.False(t, IsGzip(nil))
	assert.False(t, IsGzip([]byte("<xml/>")))
	assert.True(t, Supports(CompressionTypeGzip))
	assert.False(t, Supports("application/zip"))
}
