// Package pool implements a generic, keyed resource pool (§4.5): bounded
// per-key size, LIFO idle reuse, an acquisition queue with single-shot
// timeout completion, async broken-resource detection via idle observers,
// and validation on acquire. It is resource-agnostic — conn.Connection
// satisfies Closeable, but so would anything else with a Close method.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
)

// Closeable is the minimal shape a pooled resource must have.
type Closeable interface {
	Close() error
}

// Lease is a checked-out resource plus the bookkeeping needed to route it
// back correctly on Release: specifically, which purge generation of its
// key it was created under, so a straggler acquired before a Purge is
// destroyed rather than pooled when its holder finally lets go of it.
type Lease[K comparable, R Closeable] struct {
	Resource R

	key    K
	epoch  int64
	detach func()
}

// IdleWatchable is the optional capability a resource type provides to let
// the pool detect breakage while a resource sits idle (§4.5 "idle observer
// installation"). WatchIdle installs onBroken and returns a detach func to
// remove it; the pool calls detach the moment the resource is acquired.
type IdleWatchable interface {
	WatchIdle(onBroken func(error)) (detach func())
}

// Factory creates a new resource for key. ctx carries the caller's
// acquisition deadline; Factory should respect it.
type Factory[K comparable, R Closeable] func(ctx context.Context, key K) (R, error)

// Validator decides whether a resource may still be handed out. It may
// perform I/O (e.g. a liveness probe or re-authentication), hence ctx.
type Validator[K comparable, R Closeable] func(ctx context.Context, key K, resource R) bool

// Options configures a Pool.
type Options[K comparable, R Closeable] struct {
	MaxSize            int           // per-key cap on active+pending; <=0 means unbounded
	AcquisitionTimeout time.Duration // default 60s per §6
	Factory            Factory[K, R]
	ValidateOnAcquire  Validator[K, R] // optional; nil means "always valid"
	Logger             hclog.Logger
}

type keyState[K comparable, R Closeable] struct {
	idle    []*Lease[K, R] // LIFO: append/pop from the tail
	active  int
	pending int // in-flight Factory calls
	waiters []*PendingAcquire[K, R]
	epoch   int64 // bumped by Purge; distinguishes pre/post-purge leases
	live    bool  // false immediately after Purge, until the next Acquire
}

// Pool is a generic keyed resource pool implementing §4.5's contract.
type Pool[K comparable, R Closeable] struct {
	mu     sync.Mutex
	opts   Options[K, R]
	states map[K]*keyState[K, R]
	closed bool
	logger hclog.Logger
}

// New constructs a Pool. A zero AcquisitionTimeout defaults to 60 seconds.
func New[K comparable, R Closeable](opts Options[K, R]) *Pool[K, R] {
	if opts.AcquisitionTimeout <= 0 {
		opts.AcquisitionTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool[K, R]{
		opts:   opts,
		states: make(map[K]*keyState[K, R]),
		logger: logger.Named("pool"),
	}
}

func (p *Pool[K, R]) stateFor(key K) *keyState[K, R] {
	st, ok := p.states[key]
	if !ok {
		st = &keyState[K, R]{}
		p.states[key] = st
	}
	return st
}

// Acquire returns a resource for key, reusing an idle one (LIFO) when a
// valid one exists, creating a new one when capacity allows, or else
// blocking on the acquisition queue until one frees up, a new one is
// created, or ctx's deadline / the pool's AcquisitionTimeout elapses.
func (p *Pool[K, R]) Acquire(ctx context.Context, key K) (*Lease[K, R], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, bolterr.NewServiceUnavailableError("pool is closed", nil)
		}
		st := p.stateFor(key)

		if n := len(st.idle); n > 0 {
			lease := st.idle[n-1]
			st.idle = st.idle[:n-1]
			st.active++
			st.live = true
			p.mu.Unlock()

			if lease.detach != nil {
				lease.detach()
				lease.detach = nil
			}

			if p.opts.ValidateOnAcquire != nil && !p.opts.ValidateOnAcquire(ctx, key, lease.Resource) {
				_ = lease.Resource.Close()
				p.mu.Lock()
				st.active--
				p.mu.Unlock()
				continue // another idle resource, a fresh create, or the wait queue
			}
			return lease, nil
		}

		if p.opts.MaxSize <= 0 || st.active+st.pending < p.opts.MaxSize {
			st.pending++
			epoch := st.epoch
			p.mu.Unlock()

			resource, err := p.opts.Factory(ctx, key)

			p.mu.Lock()
			st.pending--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			st.active++
			st.live = true
			p.mu.Unlock()
			return &Lease[K, R]{Resource: resource, key: key, epoch: epoch}, nil
		}

		// Pool is full for this key: enqueue and wait.
		pa := newPendingAcquire[K, R](key)
		st.waiters = append(st.waiters, pa)
		p.mu.Unlock()

		lease, err := p.awaitAcquire(ctx, key, pa)
		if err == errRetryAcquire {
			continue
		}
		if err == nil && p.opts.ValidateOnAcquire != nil && !p.opts.ValidateOnAcquire(ctx, key, lease.Resource) {
			_ = lease.Resource.Close()
			p.mu.Lock()
			st.active--
			p.mu.Unlock()
			continue // a handed-off resource is validated like an idle one
		}
		return lease, err
	}
}

func (p *Pool[K, R]) awaitAcquire(ctx context.Context, key K, pa *PendingAcquire[K, R]) (*Lease[K, R], error) {
	deadline := time.NewTimer(p.opts.AcquisitionTimeout)
	defer deadline.Stop()

	select {
	case res := <-pa.resultCh:
		if res.retry {
			return nil, errRetryAcquire
		}
		return res.lease, res.err

	case <-deadline.C:
		if pa.complete() {
			p.mu.Lock()
			st := p.stateFor(key)
			p.removeWaiterLocked(st, pa)
			active, idle := st.active, len(st.idle)
			p.mu.Unlock()
			return nil, bolterr.NewAcquisitionTimeoutError(active, idle)
		}
		res := <-pa.resultCh // lost the race: a release already resolved us
		if res.retry {
			return nil, errRetryAcquire
		}
		return res.lease, res.err

	case <-ctx.Done():
		if pa.complete() {
			p.mu.Lock()
			st := p.stateFor(key)
			p.removeWaiterLocked(st, pa)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		res := <-pa.resultCh
		if res.retry {
			return nil, errRetryAcquire
		}
		return res.lease, res.err
	}
}

func (p *Pool[K, R]) removeWaiterLocked(st *keyState[K, R], pa *PendingAcquire[K, R]) {
	for i, w := range st.waiters {
		if w == pa {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// errRetryAcquire signals Acquire to loop again; awaitAcquire returns it for
// a result with retry set.
var errRetryAcquire = bolterr.NewProtocolError("pool: retry acquire", nil)

// Release returns a checked-out lease's resource to the idle list,
// satisfying the oldest waiting acquirer first if one exists. A lease from
// a generation the key has since been Purge'd past is destroyed instead —
// this is how a straggler acquired before a Purge is kept out of the pool
// once its holder finally releases it (S5).
func (p *Pool[K, R]) Release(lease *Lease[K, R]) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = lease.Resource.Close()
		return
	}
	st := p.stateFor(lease.key)
	st.active--

	if lease.epoch != st.epoch {
		p.mu.Unlock()
		_ = lease.Resource.Close()
		return
	}

	for len(st.waiters) > 0 {
		pa := st.waiters[0]
		st.waiters = st.waiters[1:]
		if pa.complete() {
			st.active++
			st.live = true
			p.mu.Unlock()
			pa.resultCh <- acquireResult[K, R]{lease: lease}
			return
		}
		// This waiter already timed out/was cancelled; try the next one.
	}

	if w, ok := any(lease.Resource).(IdleWatchable); ok {
		lease.detach = w.WatchIdle(func(err error) { p.onIdleBroken(lease) })
	}
	st.idle = append(st.idle, lease)
	p.mu.Unlock()
}

// onIdleBroken removes lease from its key's idle list and destroys it;
// installed as the IdleWatchable callback for every idle resource.
func (p *Pool[K, R]) onIdleBroken(lease *Lease[K, R]) {
	p.mu.Lock()
	st, ok := p.states[lease.key]
	if !ok {
		p.mu.Unlock()
		return
	}
	found := false
	for i, e := range st.idle {
		if e == lease {
			st.idle = append(st.idle[:i], st.idle[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found {
		_ = lease.Resource.Close()
	}
}

// Destroy closes a lease's resource without returning it to the pool,
// decrementing the active count for its key. Used when a caller knows the
// resource is bad (a broken connection) rather than merely finished.
func (p *Pool[K, R]) Destroy(lease *Lease[K, R]) {
	p.mu.Lock()
	st := p.stateFor(lease.key)
	st.active--
	p.mu.Unlock()
	_ = lease.Resource.Close()
}

// Purge destroys all idle resources for key, bumps its purge generation
// (so active leases from before this call are destroyed on release rather
// than pooled), and fails every queued acquirer for the key. Has(key)
// reports false immediately after, but a subsequent Acquire(key) is not
// rejected — it simply starts a fresh generation.
func (p *Pool[K, R]) Purge(key K) {
	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.epoch++
	st.live = false
	idle := st.idle
	st.idle = nil
	waiters := st.waiters
	st.waiters = nil
	p.mu.Unlock()

	for _, lease := range idle {
		_ = lease.Resource.Close()
	}
	for _, pa := range waiters {
		if pa.complete() {
			pa.resultCh <- acquireResult[K, R]{err: bolterr.NewServiceUnavailableError("pool key was purged", nil)}
		}
	}
}

// KeepAll purges every key not present in keep.
func (p *Pool[K, R]) KeepAll(keep map[K]struct{}) {
	p.mu.Lock()
	var toPurge []K
	for k := range p.states {
		if _, ok := keep[k]; !ok {
			toPurge = append(toPurge, k)
		}
	}
	p.mu.Unlock()

	for _, k := range toPurge {
		p.Purge(k)
	}
}

// Close closes the pool: all keys are purged and subsequent Acquire calls
// fail. Idempotent.
func (p *Pool[K, R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	keys := make([]K, 0, len(p.states))
	for k := range p.states {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.Purge(k)
	}
}

// Has reports whether key currently has a live (non-purged) pool
// presence. False right after Purge even if a pre-purge lease is still
// outstanding; true again once a new Acquire establishes the next
// generation.
func (p *Pool[K, R]) Has(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	return ok && st.live
}

// ActiveResourceCount returns the number of currently checked-out
// resources for key, across all generations.
func (p *Pool[K, R]) ActiveResourceCount(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	if !ok {
		return 0
	}
	return st.active
}

// IdleResourceCount returns the number of idle resources for key.
func (p *Pool[K, R]) IdleResourceCount(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	if !ok {
		return 0
	}
	return len(st.idle)
}

// PendingAcquireCount returns the number of callers currently queued
// waiting for key (§8 invariant 2's "exactly one of resolve/reject/timeout").
func (p *Pool[K, R]) PendingAcquireCount(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	if !ok {
		return 0
	}
	return len(st.waiters)
}
