package bolt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
)

// magicPreamble identifies a Bolt handshake to the server.
const magicPreamble uint32 = 0x6060B017

// httpPreamble is what an HTTP server's response line starts with when a
// Bolt client mistakenly dials it; its first four bytes spell "HTTP".
const httpPreamble uint32 = 0x48545450

// Version is a Bolt protocol version.
type Version struct {
	Major byte
	Minor byte
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// encode returns the 32-bit handshake encoding for v: (minor<<8)|major for
// major>=4, or the bare major byte for versions 1-3 (§6).
func (v Version) encode() uint32 {
	if v.Major >= 4 {
		return uint32(v.Minor)<<8 | uint32(v.Major)
	}
	return uint32(v.Major)
}

func decodeVersion(raw uint32) Version {
	if raw == 0 {
		return Version{}
	}
	major := byte(raw & 0xFF)
	if major >= 4 {
		return Version{Major: major, Minor: byte((raw >> 8) & 0xFF)}
	}
	return Version{Major: major}
}

// ClientHandshake sends the magic preamble and up to four proposed
// versions (newest first), then reads the server's single chosen version.
// Proposed must be ordered newest-first and is zero-padded to four entries.
func ClientHandshake(rw io.ReadWriter, proposed []Version) (Version, error) {
	if len(proposed) > 4 {
		proposed = proposed[:4]
	}

	out := make([]byte, 4+4*4)
	binary.BigEndian.PutUint32(out[0:4], magicPreamble)
	for i := 0; i < 4; i++ {
		var encoded uint32
		if i < len(proposed) {
			encoded = proposed[i].encode()
		}
		binary.BigEndian.PutUint32(out[4+i*4:8+i*4], encoded)
	}

	if _, err := rw.Write(out); err != nil {
		return Version{}, bolterr.NewServiceUnavailableError("writing handshake", err)
	}

	resp := make([]byte, 4)
	if _, err := io.ReadFull(rw, resp); err != nil {
		return Version{}, bolterr.NewServiceUnavailableError("reading handshake response", err)
	}
	chosen := binary.BigEndian.Uint32(resp)

	if chosen == httpPreamble {
		return Version{}, bolterr.NewProtocolError(
			"server answered with an HTTP response; Bolt expects a direct TCP connection on the Bolt port (default 7687), not an HTTP endpoint", nil)
	}
	if chosen == 0 {
		return Version{}, bolterr.NewProtocolError("server rejected all proposed Bolt versions", nil)
	}

	v := decodeVersion(chosen)
	for _, p := range proposed {
		if p == v {
			return v, nil
		}
	}
	return Version{}, bolterr.NewProtocolError(fmt.Sprintf("server chose version %s which was not proposed", v), nil)
}
