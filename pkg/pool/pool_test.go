package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	id     int64
	closed int32
}

func (r *fakeResource) Close() error {
	atomic.StoreInt32(&r.closed, 1)
	return nil
}

func (r *fakeResource) isClosed() bool { return atomic.LoadInt32(&r.closed) == 1 }

func counterFactory() (Factory[string, *fakeResource], *int64) {
	var next int64
	return func(ctx context.Context, key string) (*fakeResource, error) {
		id := atomic.AddInt64(&next, 1) - 1
		return &fakeResource{id: id}, nil
	}, &next
}

// S1 — basic allocate/pool: no cap, acquire yields id 0, release, next
// acquire reuses id 0 (LIFO), active=0 idle=1 after the first release.
func TestS1BasicAllocateAndLIFOReuse(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory})

	l0, err := p.Acquire(context.Background(), "bolt://h:7687")
	require.NoError(t, err)
	assert.Equal(t, int64(0), l0.Resource.id)

	p.Release(l0)
	assert.Equal(t, 0, p.ActiveResourceCount("bolt://h:7687"))
	assert.Equal(t, 1, p.IdleResourceCount("bolt://h:7687"))

	l1, err := p.Acquire(context.Background(), "bolt://h:7687")
	require.NoError(t, err)
	assert.Equal(t, int64(0), l1.Resource.id)
}

// S2 — multi-key: A=h:7687, B=h:7688. acquire(A), acquire(B), release(A's
// r0), acquire(A), acquire(B) yields ids [0,1,0,2]; r0==r2 (same
// instance), r1!=r3.
func TestS2MultiKey(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory})
	const a, b = "h:7687", "h:7688"

	l0, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)
	l1, err := p.Acquire(context.Background(), b)
	require.NoError(t, err)

	p.Release(l0)

	l2, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)
	l3, err := p.Acquire(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 0, 2}, []int64{l0.Resource.id, l1.Resource.id, l2.Resource.id, l3.Resource.id})
	assert.Same(t, l0.Resource, l2.Resource)
	assert.NotSame(t, l1.Resource, l3.Resource)
}

// S3 — acquire blocks on full pool: maxSize=2, timeoutMs=5000. acquire,
// acquire, then async acquire; 1000ms later release the second; the
// pending acquirer resolves with the just-released resource.
func TestS3AcquireBlocksOnFullPoolThenResolves(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory, MaxSize: 2, AcquisitionTimeout: 5 * time.Second})
	const addr = "h:7687"

	l0, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	l1, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)

	type result struct {
		lease *Lease[string, *fakeResource]
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		l, err := p.Acquire(context.Background(), addr)
		resCh <- result{l, err}
	}()

	time.Sleep(100 * time.Millisecond) // let the third acquirer enqueue
	assert.Equal(t, 1, p.PendingAcquireCount(addr))

	time.Sleep(900 * time.Millisecond)
	p.Release(l1)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Same(t, l1.Resource, r.lease.Resource)
	case <-time.After(2 * time.Second):
		t.Fatal("pending acquirer was never resolved")
	}
	_ = l0
}

// S4 — acquisition timeout: maxSize=2, timeoutMs=1000. After two
// acquires, a third rejects with a message naming the active/idle counts;
// pending_acquire_requests == 0 after.
func TestS4AcquisitionTimeout(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory, MaxSize: 2, AcquisitionTimeout: 1 * time.Second})
	const addr = "h:7687"

	_, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), addr)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquisition timed out")
	assert.Contains(t, err.Error(), "Active conn count = 2, Idle conn count = 0")
	assert.Equal(t, 0, p.PendingAcquireCount(addr))
}

// S5 — purge during use: acquire(A) -> r0; purge(A); has(A)=false;
// close(r0) destroys r0 (does not return to pool); a second acquire(A)
// between purge and close returns a newly created r1 while r0 is still
// destroyed on its later release.
func TestS5PurgeDuringUse(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory})
	const addr = "h:7687"

	l0, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)

	p.Purge(addr)
	assert.False(t, p.Has(addr))

	l1, err := p.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.NotEqual(t, l0.Resource.id, l1.Resource.id)

	p.Release(l0)
	assert.True(t, l0.Resource.isClosed())
	assert.Equal(t, 0, p.IdleResourceCount(addr)) // r0 must not have been pooled

	p.Release(l1)
	assert.False(t, l1.Resource.isClosed())
	assert.Equal(t, 1, p.IdleResourceCount(addr))
}

func TestKeepAllPurgesUnlistedKeys(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory})

	la, _ := p.Acquire(context.Background(), "a")
	lb, _ := p.Acquire(context.Background(), "b")
	p.Release(la)
	p.Release(lb)

	p.KeepAll(map[string]struct{}{"a": {}})
	assert.True(t, p.Has("a"))
	assert.False(t, p.Has("b"))
	assert.Equal(t, 0, p.IdleResourceCount("b"))
}

func TestCloseDrainsAllKeysAndRejectsFurtherAcquires(t *testing.T) {
	factory, _ := counterFactory()
	p := New(Options[string, *fakeResource]{Factory: factory})

	l, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	p.Release(l)

	p.Close()
	assert.False(t, p.Has("a"))

	_, err = p.Acquire(context.Background(), "a")
	assert.Error(t, err)
}

func TestValidateOnAcquireRejectsStaleIdleResource(t *testing.T) {
	factory, _ := counterFactory()
	var validateCalls int32
	p := New(Options[string, *fakeResource]{
		Factory: factory,
		ValidateOnAcquire: func(ctx context.Context, key string, r *fakeResource) bool {
			atomic.AddInt32(&validateCalls, 1)
			return r.id != 0 // reject the first resource once idle
		},
	})

	l0, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	p.Release(l0)

	l1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, int64(0), l1.Resource.id)
	assert.True(t, l0.Resource.isClosed())
}

// watchableResource exercises the IdleWatchable path: a broken connection
// sitting idle is detected and evicted without ever being acquired again.
type watchableResource struct {
	fakeResource
	mu      sync.Mutex
	onBreak func(error)
}

func (r *watchableResource) WatchIdle(onBroken func(error)) func() {
	r.mu.Lock()
	r.onBreak = onBroken
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.onBreak = nil
		r.mu.Unlock()
	}
}

func (r *watchableResource) breakNow() {
	r.mu.Lock()
	cb := r.onBreak
	r.mu.Unlock()
	if cb != nil {
		cb(assertErr)
	}
}

var assertErr = errors.New("fake broken")

func TestIdleWatcherEvictsBrokenConnection(t *testing.T) {
	p := New(Options[string, *watchableResource]{
		Factory: func(ctx context.Context, key string) (*watchableResource, error) {
			return &watchableResource{}, nil
		},
	})

	l, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	p.Release(l)
	require.Equal(t, 1, p.IdleResourceCount("a"))

	l.Resource.breakNow()

	assert.Eventually(t, func() bool { return p.IdleResourceCount("a") == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, l.Resource.isClosed())
}
