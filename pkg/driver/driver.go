// Package driver is the top-level façade tying the chunked-framing,
// packstream, protocol-engine, connection, pool, routing, and
// result-stream layers into one entry point: NewDriver(target, opts...).
// It exposes connection acquisition and raw query execution; the
// session/transaction convenience API, result-to-object conversion, and
// topology policy are deliberately out of scope (§1 Non-goals).
package driver

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
	"github.com/orneryd/bolt-go-driver/pkg/boltchan"
	"github.com/orneryd/bolt-go-driver/pkg/conn"
	"github.com/orneryd/bolt-go-driver/pkg/frame"
	"github.com/orneryd/bolt-go-driver/pkg/pool"
	"github.com/orneryd/bolt-go-driver/pkg/result"
	"github.com/orneryd/bolt-go-driver/pkg/routing"
)

// Driver is a live handle to one Bolt target: either a single address
// (bolt://) or a routed cluster (neo4j://). It owns the connection pool
// and, for routed targets, the routing driver that selects addresses from
// it.
type Driver struct {
	cfg    Config
	logger hclog.Logger

	parsed    *boltchan.ParsedURL
	authToken map[string]any
	pool      *pool.Pool[string, *conn.Connection]
	router    *routing.Driver // nil for a direct (non-routed) target
}

// NewDriver parses target (a bolt://, bolt+s://, neo4j://, ... URL),
// builds its Config by applying opts in order to DefaultConfig(), and
// returns a ready Driver. It reads no config file and takes no Config
// value, so settings from LoadConfigFile are not applied. authToken is passed
// through to HELLO/LOGON verbatim (§4.3); its shape is the caller's
// concern.
func NewDriver(target string, authToken map[string]any, opts ...Option) (*Driver, error) {
	parsed, err := boltchan.ParseURL(target)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := newLogger("bolt-go-driver", cfg.LogLevel)

	d := &Driver{
		cfg:       cfg,
		logger:    logger,
		parsed:    parsed,
		authToken: authToken,
	}

	d.pool = pool.New(pool.Options[string, *conn.Connection]{
		MaxSize:            cfg.MaxConnectionPoolSize,
		AcquisitionTimeout: cfg.ConnectionAcquisitionTimeout,
		Factory:            d.connectionFactory,
		ValidateOnAcquire:  d.validateConnection,
		Logger:             logger,
	})

	if parsed.IsRouting() {
		router, err := routing.New(routing.Options{
			SeedAddresses:  []string{parsed.Address()},
			Source:         &poolRouteSource{pool: d.pool},
			Counts:         d.pool,
			Balancer:       &routing.LeastConnected{},
			RoutingContext: parsed.RoutingContext,
			CacheSize:      cfg.MaxRoutingTableCacheSize,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		d.router = router
	}

	return d, nil
}

// connectionFactory dials and opens a fresh connection for address; it is
// the pool's Factory.
func (d *Driver) connectionFactory(ctx context.Context, address string) (*conn.Connection, error) {
	ch, err := d.dial(ctx, address)
	if err != nil {
		return nil, bolterr.NewServiceUnavailableError(fmt.Sprintf("dialing %s", address), err)
	}

	c := conn.New(address, ch, frame.DefaultChunkSize, d.logger.Named("conn"))
	if err := c.Open(ctx, d.cfg.UserAgent, d.authToken, d.parsed.RoutingContext); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return c, nil
}

// dial picks the plain-TCP or WebSocket channel per the parsed scheme.
// TLS is deliberately not wired here: §6 specifies it as an injected
// capability, and the plain Dialer this package builds is the
// unencrypted baseline; callers needing bolt+s/neo4j+s supply their own
// Driver construction path through boltchan.NewTCPChannelTLS instead.
func (d *Driver) dial(ctx context.Context, address string) (boltchan.Channel, error) {
	if d.parsed.IsWebSocket() {
		return boltchan.NewWebSocketChannel(ctx, "ws://"+address, d.cfg.ConnectionTimeout)
	}
	return boltchan.NewTCPChannel(ctx, address, d.cfg.ConnectionTimeout)
}

// validateConnection rejects a pooled connection that is broken, left in
// a failed state, or has outlived MaxConnectionLifetime; the pool then
// discards it and tries the next idle resource or creates a new one.
func (d *Driver) validateConnection(ctx context.Context, key string, c *conn.Connection) bool {
	if c.IsBroken() || c.IsFailed() {
		return false
	}
	return !c.ExceedsMaxLifetime(d.cfg.MaxConnectionLifetime.Milliseconds())
}

// addressFor resolves the server address to acquire a connection from for
// database/mode: the single parsed target for a direct connection, or the
// routing driver's current pick for a routed one.
func (d *Driver) addressFor(ctx context.Context, database string, mode bolt.AccessMode) (string, error) {
	if d.router == nil {
		return d.parsed.Address(), nil
	}
	return d.router.Select(ctx, database, mode)
}

// AcquireConnection hands the caller an exclusively-owned connection for
// database/mode. The caller must ReleaseConnection or DestroyConnection
// it exactly once.
func (d *Driver) AcquireConnection(ctx context.Context, database string, mode bolt.AccessMode) (*pool.Lease[string, *conn.Connection], error) {
	address, err := d.addressFor(ctx, database, mode)
	if err != nil {
		return nil, err
	}
	return d.pool.Acquire(ctx, address)
}

// ReleaseConnection returns a lease acquired via AcquireConnection to the
// pool, or destroys it outright if it was left broken/failed.
func (d *Driver) ReleaseConnection(lease *pool.Lease[string, *conn.Connection]) {
	if lease.Resource.IsBroken() || lease.Resource.IsFailed() {
		d.pool.Destroy(lease)
		return
	}
	d.pool.Release(lease)
}

// RunQuery issues an auto-commit query against database/mode and returns
// a lazy ResultStream. The stream's connection holder releases the lease
// back to the pool on the stream's terminal event, so callers never call
// ReleaseConnection for a RunQuery-acquired connection themselves.
func (d *Driver) RunQuery(ctx context.Context, database string, mode bolt.AccessMode, query string, parameters map[string]any, bookmarks []string) (*result.ResultStream, error) {
	lease, err := d.AcquireConnection(ctx, database, mode)
	if err != nil {
		return nil, err
	}

	holder := result.NewConnectionHolder(func() { d.ReleaseConnection(lease) })
	stream := result.New(-1, d.cfg.FetchSize, lease.Resource, holder, nil)

	params := bolt.RunParams{
		Query:      query,
		Parameters: parameters,
		Bookmarks:  bookmarks,
		Mode:       mode,
		Database:   database,
	}
	if err := lease.Resource.Run(params, stream.RunObserver()); err != nil {
		holder.Release()
		return nil, err
	}
	return stream, nil
}

// Close closes the underlying connection pool, draining every idle
// connection and failing any in-flight acquisition.
func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}

// Target returns the normalized address this driver was constructed
// against (the routing seed for a neo4j:// target, or the sole address
// for a direct bolt:// target).
func (d *Driver) Target() string { return d.parsed.Address() }

// poolRouteSource adapts the connection pool into routing.ConnectionSource
// so the routing driver can fetch routing tables through ordinary pooled
// connections instead of a side-channel transport.
type poolRouteSource struct {
	pool *pool.Pool[string, *conn.Connection]
}

func (s *poolRouteSource) Acquire(ctx context.Context, address string) (routing.RouteRequester, error) {
	lease, err := s.pool.Acquire(ctx, address)
	if err != nil {
		return nil, err
	}
	return &leasedRouteRequester{lease: lease}, nil
}

func (s *poolRouteSource) Release(address string, r routing.RouteRequester) {
	if lr, ok := r.(*leasedRouteRequester); ok {
		s.pool.Release(lr.lease)
	}
}

func (s *poolRouteSource) Forget(address string) { s.pool.Purge(address) }

type leasedRouteRequester struct {
	lease *pool.Lease[string, *conn.Connection]
}

func (l *leasedRouteRequester) Route(ctx context.Context, routingContext map[string]string, bookmarks []string, database string) (map[string]any, error) {
	return l.lease.Resource.Route(ctx, routingContext, bookmarks, database)
}
