package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerSingleChunk(t *testing.T) {
	var buf bytes.Buffer
	c := NewChunker(&buf, DefaultChunkSize)
	_, err := c.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	want := []byte{0x00, 0x03, 0x01, 0x02, 0x03, 0x00, 0x00}
	assert.Equal(t, want, buf.Bytes())
}

func TestChunkerSplitsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	c := NewChunker(&buf, 2)
	_, err := c.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	d := NewDechunker(&buf)
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, msg)
}

func TestDechunkerConcatenatesChunksInOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x02, 0xAA, 0xBB})
	buf.Write([]byte{0x00, 0x02, 0xCC, 0xDD})
	buf.Write([]byte{0x00, 0x00})

	d := NewDechunker(&buf)
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, msg)
}

func TestDechunkerTruncatedChunkErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x05, 0xAA, 0xBB}) // declares 5 bytes, only 2 present
	d := NewDechunker(&buf)
	_, err := d.ReadMessage()
	assert.Error(t, err)
}

func TestMultipleMessagesSequentially(t *testing.T) {
	var buf bytes.Buffer
	c := NewChunker(&buf, DefaultChunkSize)
	c.Write([]byte("first"))
	require.NoError(t, c.Flush())
	c.Write([]byte("second"))
	require.NoError(t, c.Flush())

	d := NewDechunker(&buf)
	m1, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "first", string(m1))
	m2, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "second", string(m2))
}

func TestEmptyMessageIsJustTerminator(t *testing.T) {
	var buf bytes.Buffer
	c := NewChunker(&buf, DefaultChunkSize)
	require.NoError(t, c.Flush())
	assert.Equal(t, []byte{0x00, 0x00}, buf.Bytes())

	d := NewDechunker(&buf)
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	assert.Empty(t, msg)
}
