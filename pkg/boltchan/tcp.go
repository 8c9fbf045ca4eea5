package boltchan

import (
	"context"
	"fmt"
	"net"
	"time"
)

// tcpChannel wraps a plain or TLS-wrapped net.Conn. Grounded on the dial
// pattern used for cluster-to-cluster links elsewhere in this codebase's
// lineage: a context-bound dial with an explicit timeout, with the dial
// error wrapped (%w) in a message naming the address on failure.
type tcpChannel struct {
	net.Conn
	remote string
}

func (c *tcpChannel) RemoteAddress() string { return c.remote }

// NewTCPChannel dials addr over plain TCP with the given timeout.
func NewTCPChannel(ctx context.Context, addr string, dialTimeout time.Duration) (Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("boltchan: connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &tcpChannel{Conn: conn, remote: addr}, nil
}

// NewTCPChannelTLS dials addr using the supplied TLSDialer, which owns all
// certificate/trust policy decisions (§6 "channel TLS policy (interface
// only)").
func NewTCPChannelTLS(ctx context.Context, addr string, dial TLSDialer, dialTimeout time.Duration) (Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("boltchan: encrypted connect to %s: %w", addr, err)
	}
	return &tcpChannel{Conn: conn, remote: addr}, nil
}
