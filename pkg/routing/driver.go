package routing

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
)

// defaultMaxRoutingTableCacheSize bounds the per-database table cache
// (§4.6 "added": backed by golang-lru/v2 with a size cap, default 32).
const defaultMaxRoutingTableCacheSize = 32

// RouteRequester is the minimal surface the rediscovery algorithm needs
// from a connection to a candidate router: ask it for a fresh routing
// table. *conn.Connection satisfies this directly.
type RouteRequester interface {
	Route(ctx context.Context, routingContext map[string]string, bookmarks []string, database string) (map[string]any, error)
}

// ConnectionSource acquires and releases whatever resource implements
// RouteRequester for a router address, and purges pool state for an
// address the driver has given up on.
type ConnectionSource interface {
	Acquire(ctx context.Context, address string) (RouteRequester, error)
	Release(address string, r RouteRequester)
	Forget(address string)
}

// Resolver expands a seed address into one or more addresses to probe
// (e.g. DNS resolution of a multi-A-record host). The default is the
// identity function.
type Resolver func(seed string) []string

func identityResolver(seed string) []string { return []string{seed} }

// Options configures a Driver.
type Options struct {
	SeedAddresses  []string
	Resolver       Resolver
	Source         ConnectionSource
	Counts         ActiveCounter
	Balancer       Strategy
	RoutingContext map[string]string
	CacheSize      int
	Logger         hclog.Logger
}

// Driver owns one routing table per database and the rediscovery
// algorithm that refreshes it (§4.6).
type Driver struct {
	mu     sync.Mutex
	tables *lru.Cache[string, *Table]
	opts   Options
	logger hclog.Logger
}

// New builds a Driver. SeedAddresses must be non-empty.
func New(opts Options) (*Driver, error) {
	if len(opts.SeedAddresses) == 0 {
		return nil, bolterr.NewProtocolError("routing driver requires at least one seed address", nil)
	}
	if opts.Resolver == nil {
		opts.Resolver = identityResolver
	}
	if opts.Balancer == nil {
		opts.Balancer = &LeastConnected{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultMaxRoutingTableCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	cache, err := lru.New[string, *Table](opts.CacheSize)
	if err != nil {
		return nil, bolterr.NewProtocolError("building routing table cache", err)
	}
	return &Driver{tables: cache, opts: opts, logger: opts.Logger.Named("routing")}, nil
}

// Select returns the address of a server to use for the given database and
// access mode, refreshing the routing table first if it is missing,
// expired, or lacks a server for that role.
func (d *Driver) Select(ctx context.Context, database string, mode bolt.AccessMode) (string, error) {
	table, err := d.ensureFreshTable(ctx, database, mode)
	if err != nil {
		return "", err
	}

	candidates := table.Candidates(mode)
	addr := d.opts.Balancer.Select(candidates, d.opts.Counts)
	if addr == "" {
		return "", bolterr.NewSessionExpiredError(
			"no " + mode.String() + " server available for database " + database)
	}
	return addr, nil
}

func (d *Driver) ensureFreshTable(ctx context.Context, database string, mode bolt.AccessMode) (*Table, error) {
	d.mu.Lock()
	table, _ := d.tables.Get(database)
	stale := table.Expired(time.Now()) || !table.HasServerForRole(mode)
	d.mu.Unlock()
	if !stale {
		return table, nil
	}
	return d.refresh(ctx, database)
}

// refresh runs the rediscovery algorithm: try the previously known
// routers in order, falling back to a resolved seed address if every
// known router fails. The new table is swapped in atomically on success.
func (d *Driver) refresh(ctx context.Context, database string) (*Table, error) {
	d.mu.Lock()
	var routers []string
	if old, ok := d.tables.Get(database); ok && old != nil {
		routers = append(routers, old.Routers...)
	}
	d.mu.Unlock()

	probed := make(map[string]struct{}, len(routers))
	newTable, err := d.tryRouters(ctx, database, routers, probed)

	if err != nil {
		for _, seed := range d.opts.SeedAddresses {
			var fresh []string
			for _, addr := range d.opts.Resolver(seed) {
				if _, done := probed[addr]; !done {
					fresh = append(fresh, addr)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			newTable, err = d.tryRouters(ctx, database, fresh, probed)
			if err == nil {
				break
			}
		}
	}

	if err != nil {
		return nil, bolterr.NewServiceUnavailableError(
			"unable to retrieve routing table for database "+database, err)
	}

	d.mu.Lock()
	d.tables.Add(database, newTable)
	d.mu.Unlock()

	d.logger.Debug("refreshed routing table", "database", database,
		"routers", newTable.Routers, "readers", newTable.Readers, "writers", newTable.Writers,
		"no_writers", newTable.NoWriters)

	return newTable, nil
}

// tryRouters probes addrs in order, skipping any already in probed, and
// returns the first successfully parsed table. A router that fails is
// forgotten (§4.6 "forget a router that cannot be reached").
func (d *Driver) tryRouters(ctx context.Context, database string, addrs []string, probed map[string]struct{}) (*Table, error) {
	var lastErr error
	for _, addr := range addrs {
		if _, done := probed[addr]; done {
			continue
		}
		probed[addr] = struct{}{}

		meta, err := d.routeVia(ctx, addr, database)
		if err != nil {
			d.logger.Warn("router unreachable, forgetting", "address", addr, "error", err)
			lastErr = err
			d.Forget(addr)
			continue
		}
		return newTableFromRoutingResponse(database, meta, time.Now()), nil
	}
	if lastErr == nil {
		lastErr = bolterr.NewServiceUnavailableError("no routers to try", nil)
	}
	return nil, lastErr
}

func (d *Driver) routeVia(ctx context.Context, addr, database string) (map[string]any, error) {
	r, err := d.opts.Source.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer d.opts.Source.Release(addr, r)
	return r.Route(ctx, d.opts.RoutingContext, nil, database)
}

// Forget removes addr from every cached table's routers and readers and
// purges pool state for it; used when a server is found unreachable.
func (d *Driver) Forget(addr string) {
	d.mu.Lock()
	for _, db := range d.tables.Keys() {
		t, ok := d.tables.Peek(db)
		if !ok || t == nil {
			continue
		}
		t.Routers = removeAddr(t.Routers, addr)
		t.Readers = removeAddr(t.Readers, addr)
	}
	d.mu.Unlock()
	d.opts.Source.Forget(addr)
}

// ForgetWriter removes addr from every cached table's writers only; used
// when a write fails with a "not a leader" style error rather than a
// connection failure, so reads against it may still succeed.
func (d *Driver) ForgetWriter(addr string) {
	d.mu.Lock()
	for _, db := range d.tables.Keys() {
		t, ok := d.tables.Peek(db)
		if !ok || t == nil {
			continue
		}
		t.Writers = removeAddr(t.Writers, addr)
		t.NoWriters = len(t.Writers) == 0
	}
	d.mu.Unlock()
}

func removeAddr(addrs []string, target string) []string {
	out := addrs[:0]
	for _, a := range addrs {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}
