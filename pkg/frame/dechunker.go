package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Dechunker streams inbound bytes from a reader and reassembles complete
// messages out of their constituent chunks. A partially buffered chunk is
// never delivered to the caller.
type Dechunker struct {
	r   io.Reader
	buf []byte // accumulated bytes for the message currently being read
}

// NewDechunker returns a Dechunker reading chunks from r.
func NewDechunker(r io.Reader) *Dechunker {
	return &Dechunker{r: r}
}

// ReadMessage blocks until one full logical message (all its chunks,
// concatenated in order, up to the terminator) has arrived, then returns
// its bytes. The returned slice is a fresh copy owned by the caller.
func (d *Dechunker) ReadMessage() ([]byte, error) {
	d.buf = d.buf[:0]
	var header [2]byte
	for {
		if _, err := io.ReadFull(d.r, header[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint16(header[:])
		if size == terminator {
			msg := make([]byte, len(d.buf))
			copy(msg, d.buf)
			return msg, nil
		}
		start := len(d.buf)
		d.buf = append(d.buf, make([]byte, size)...)
		if _, err := io.ReadFull(d.r, d.buf[start:]); err != nil {
			return nil, fmt.Errorf("frame: reading %d-byte chunk: %w", size, err)
		}
	}
}
