// Package frame implements Bolt's chunked message framing: a message is a
// sequence of big-endian uint16-length-prefixed chunks terminated by a
// zero-length chunk.
package frame

import (
	"encoding/binary"
	"io"
)

// DefaultChunkSize is the largest payload a single chunk carries before the
// chunker splits it into another chunk.
const DefaultChunkSize = 16 * 1024

const terminator = uint16(0)

// Chunker accumulates outbound message bytes and flushes them to a writer
// as one or more length-prefixed chunks followed by the terminator.
type Chunker struct {
	w         io.Writer
	chunkSize int
	pending   []byte
}

// NewChunker returns a Chunker writing chunks of at most chunkSize bytes to w.
func NewChunker(w io.Writer, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{w: w, chunkSize: chunkSize}
}

// Write buffers message bytes; nothing is sent until Flush.
func (c *Chunker) Write(p []byte) (int, error) {
	c.pending = append(c.pending, p...)
	return len(p), nil
}

// Flush writes the buffered bytes as chunks, each at most chunkSize, and
// appends the zero-length terminator. The buffer is cleared afterward
// regardless of outcome, since a partially sent message cannot be resent.
func (c *Chunker) Flush() error {
	defer func() { c.pending = c.pending[:0] }()

	data := c.pending
	var header [2]byte
	for len(data) > 0 {
		n := len(data)
		if n > c.chunkSize {
			n = c.chunkSize
		}
		binary.BigEndian.PutUint16(header[:], uint16(n))
		if _, err := c.w.Write(header[:]); err != nil {
			return err
		}
		if _, err := c.w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	binary.BigEndian.PutUint16(header[:], terminator)
	_, err := c.w.Write(header[:])
	return err
}
