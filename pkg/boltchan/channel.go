// Package boltchan provides the byte-stream transport a Bolt connection's
// chunker/dechunker read from and write to: a plain TCP socket or a
// WebSocket, each reachable through one Channel interface. TLS policy is
// deliberately kept as an injected capability (§6) rather than a concrete
// implementation: this package never builds a tls.Config itself.
package boltchan

import (
	"context"
	"io"
	"net"
	"time"
)

// Channel is the transport a Connection reads/writes framed Bolt bytes
// through.
type Channel interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	// RemoteAddress returns the normalized address this channel is talking
	// to, for logging and pool keying.
	RemoteAddress() string
}

// TLSDialer is the injected capability that knows how to establish an
// encrypted connection for a given address. The driver core never
// constructs certificate pools or trust policy; callers that want
// encryption supply one (e.g. backed by crypto/tls and a known-hosts
// verifier, see KnownHosts in this package).
type TLSDialer func(ctx context.Context, address string) (net.Conn, error)

// Dialer opens a Channel to addr. NewTCPChannel (plain), NewTCPChannelTLS
// (encrypted, via a TLSDialer) and NewWebSocketChannel also open Channels,
// but each takes extra arguments (a dial timeout, and for TLS a TLSDialer),
// so none of them has the Dialer signature itself.
type Dialer func(ctx context.Context, addr string) (Channel, error)
