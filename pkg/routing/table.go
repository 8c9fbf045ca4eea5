// Package routing implements the client-side routing table and
// rediscovery algorithm (§4.6): one table per database, TTL-based expiry,
// refresh against known routers with seed-address fallback, and
// least-connected load balancing (§4.7) over the connection pool's active
// counts.
package routing

import (
	"math"
	"time"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
)

// Table holds one database's routers/readers/writers and their expiry.
// It is replaced wholesale on refresh, never mutated in place (§3
// "Routing Table" — "the table is replaced atomically by a newly fetched
// one").
type Table struct {
	Database  string
	Routers   []string
	Readers   []string
	Writers   []string
	ExpiresAt time.Time

	// NoWriters records that the last successful refresh produced a table
	// with no writer entry; the driver still accepts it (§4.6) but a
	// subsequent write acquisition should force another refresh rather
	// than fail outright against a table that might simply be stale.
	NoWriters bool
}

// Expired reports whether now is past the table's TTL.
func (t *Table) Expired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

// HasServerForRole reports whether the table has at least one address for
// the given access mode.
func (t *Table) HasServerForRole(mode bolt.AccessMode) bool {
	if t == nil {
		return false
	}
	if mode == bolt.AccessModeRead {
		return len(t.Readers) > 0
	}
	return len(t.Writers) > 0
}

// Candidates returns the addresses serving the given access mode.
func (t *Table) Candidates(mode bolt.AccessMode) []string {
	if t == nil {
		return nil
	}
	if mode == bolt.AccessModeRead {
		return t.Readers
	}
	return t.Writers
}

// clampTTLSeconds converts a server-reported TTL in seconds to a Duration,
// clamping at math.MaxInt64 nanoseconds on overflow (§4.6 "parse TTL
// (clamped at the integer upper bound on overflow)").
func clampTTLSeconds(ttlSeconds int64) time.Duration {
	if ttlSeconds < 0 {
		return 0
	}
	const maxSeconds = math.MaxInt64 / int64(time.Second)
	if ttlSeconds > maxSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ttlSeconds) * time.Second
}

// newTableFromRoutingResponse builds a Table from a ROUTE/CALL response's
// decoded metadata: {"ttl": <seconds>, "servers": [{"role": "...",
// "addresses": [...]}, ...]}.
func newTableFromRoutingResponse(database string, meta map[string]any, now time.Time) *Table {
	rt := &Table{Database: database}

	ttlSeconds := int64(0)
	switch v := meta["ttl"].(type) {
	case int64:
		ttlSeconds = v
	case float64:
		ttlSeconds = int64(v)
	}
	rt.ExpiresAt = now.Add(clampTTLSeconds(ttlSeconds))

	serversAny, _ := meta["servers"].([]any)
	for _, sAny := range serversAny {
		s, _ := sAny.(map[string]any)
		if s == nil {
			continue
		}
		role, _ := s["role"].(string)
		addrsAny, _ := s["addresses"].([]any)
		addrs := make([]string, 0, len(addrsAny))
		for _, a := range addrsAny {
			if str, ok := a.(string); ok {
				addrs = append(addrs, str)
			}
		}
		switch role {
		case "ROUTE":
			rt.Routers = append(rt.Routers, addrs...)
		case "READ":
			rt.Readers = append(rt.Readers, addrs...)
		case "WRITE":
			rt.Writers = append(rt.Writers, addrs...)
		}
	}

	rt.NoWriters = len(rt.Writers) == 0
	return rt
}
