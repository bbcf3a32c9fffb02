package testing

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawReaderPositionalReads(t *testing.T) {
	raw := []byte("0123456789abcdef")
	reader := RawReader(raw)

	buf := make([]byte, 4)
	n, err := reader.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("0123"), buf)

	// Reads must be positional, not cursor-based: jumping backwards after a
	// later read has to yield the same bytes as the first time.
	n, err = reader.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), buf)

	n, err = reader.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("0123"), buf)
}

func TestRawReaderShortRead(t *testing.T) {
	reader := RawReader([]byte("0123"))

	buf := make([]byte, 8)
	_, err := reader.ReadAt(buf, 2)
	assert.Error(t, err)
}

func TestImageReaderRoundTrip(t *testing.T) {
	img := NewFAT16Image(t)
	content := []byte("cluster payload")
	clusters := img.WriteFile(content, true)

	buf := make([]byte, len(content))
	_, err := img.Reader().ReadAt(buf, img.ClusterOffset(clusters[0]))
	require.NoError(t, err)
	assert.Equal(t, content, buf)

	// The boot signature sits where the geometry resolver will look for it.
	sig := make([]byte, 2)
	_, err = img.Reader().ReadAt(sig, 0x1FE)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0xAA}, sig)
}

var _ io.ReaderAt = (*streamReaderAt)(nil)
