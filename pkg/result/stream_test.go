package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
)

// fakePuller records every Pull/Discard call and hands the caller the
// observer it was given, so a test can drive it like the connection's
// dispatch loop would.
type fakePuller struct {
	pulls    []capturedCall
	discards []capturedCall
	pullErr  error
}

type capturedCall struct {
	n   int64
	qid int64
	obs bolt.Observer
}

func (p *fakePuller) Pull(n, qid int64, obs bolt.Observer) error {
	p.pulls = append(p.pulls, capturedCall{n, qid, obs})
	return p.pullErr
}

func (p *fakePuller) Discard(n, qid int64, obs bolt.Observer) error {
	p.discards = append(p.discards, capturedCall{n, qid, obs})
	return nil
}

func (p *fakePuller) lastPull() bolt.Observer { return p.pulls[len(p.pulls)-1].obs }

func runHeader(keys ...string) map[string]any {
	ks := make([]any, len(keys))
	for i, k := range keys {
		ks[i] = k
	}
	return map[string]any{"fields": ks}
}

func TestUnboundedStreamPullsAllAndBuffersUntilSubscribed(t *testing.T) {
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() {})
	stream := New(-1, 0, puller, holder, nil)

	stream.RunObserver().OnCompleted(runHeader("n"))
	require.Len(t, puller.pulls, 1)
	assert.Equal(t, int64(-1), puller.pulls[0].n)

	batch := puller.lastPull()
	batch.OnNext([]any{int64(1)})
	batch.OnNext([]any{int64(2)})
	batch.OnCompleted(map[string]any{})

	var keys []string
	var records [][]any
	var summary map[string]any
	terminated := false
	stream.Subscribe(&bolt.FuncObserver{
		Keys:      func(k []string) { keys = k },
		Next:      func(v []any) { records = append(records, v) },
		Completed: func(m map[string]any) { summary = m; terminated = true },
	})

	assert.Equal(t, []string{"n"}, keys)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0][0])
	assert.True(t, terminated)
	assert.NotNil(t, summary)
}

func TestRecordsForwardLiveWhenAlreadySubscribed(t *testing.T) {
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() {})
	stream := New(-1, 0, puller, holder, nil)

	var records [][]any
	stream.Subscribe(&bolt.FuncObserver{Next: func(v []any) { records = append(records, v) }})

	stream.RunObserver().OnCompleted(runHeader("n"))
	batch := puller.lastPull()
	batch.OnNext([]any{int64(42)})

	require.Len(t, records, 1)
	assert.Equal(t, int64(42), records[0][0])
}

func TestConnectionReleasedExactlyOnceOnTerminal(t *testing.T) {
	releaseCount := 0
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() { releaseCount++ })
	stream := New(-1, 0, puller, holder, nil)

	stream.RunObserver().OnCompleted(runHeader())
	batch := puller.lastPull()
	batch.OnCompleted(map[string]any{})
	assert.Equal(t, 1, releaseCount)

	// A stray second terminal call (defensive) must not double-release.
	batch.OnCompleted(map[string]any{})
	assert.Equal(t, 1, releaseCount)
}

func TestErrorTerminalDeliveredAtMostOnce(t *testing.T) {
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() {})
	stream := New(-1, 0, puller, holder, nil)

	stream.RunObserver().OnCompleted(runHeader())
	batch := puller.lastPull()

	errCount := 0
	stream.Subscribe(&bolt.FuncObserver{Err: func(error) { errCount++ }})

	batch.OnError(assertErr)
	batch.OnError(assertErr) // stray duplicate must not redeliver
	assert.Equal(t, 1, errCount)
}

func TestFetchSizeBackpressureDefersPullUntilSubscribeDrains(t *testing.T) {
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() {})
	stream := New(-1, 2, puller, holder, nil) // fetch size 2

	stream.RunObserver().OnCompleted(runHeader("n"))
	require.Len(t, puller.pulls, 1)
	assert.Equal(t, int64(2), puller.pulls[0].n)

	batch := puller.lastPull()
	batch.OnNext([]any{int64(1)})
	batch.OnNext([]any{int64(2)})
	batch.OnCompleted(map[string]any{"has_more": true})

	// Buffer is at the fetch-size watermark with nobody subscribed yet:
	// no second PULL should have been issued.
	require.Len(t, puller.pulls, 1)

	var records [][]any
	stream.Subscribe(&bolt.FuncObserver{Next: func(v []any) { records = append(records, v) }})
	require.Len(t, records, 2)

	// Draining below the watermark should have released the next PULL.
	require.Len(t, puller.pulls, 2)
}

func TestMetadataSupplierMergedIntoSummary(t *testing.T) {
	puller := &fakePuller{}
	holder := NewConnectionHolder(func() {})
	stream := New(-1, 0, puller, holder, func() map[string]any {
		return map[string]any{"bookmark": "bm-1", "db": "from-supplier"}
	})

	stream.RunObserver().OnCompleted(runHeader())
	batch := puller.lastPull()

	var summary map[string]any
	stream.Subscribe(&bolt.FuncObserver{Completed: func(m map[string]any) { summary = m }})
	batch.OnCompleted(map[string]any{"db": "from-response"})

	require.NotNil(t, summary)
	assert.Equal(t, "bm-1", summary["bookmark"])
	assert.Equal(t, "from-response", summary["db"]) // response metadata wins on conflict
}

var assertErr = errBroken{}

type errBroken struct{}

func (errBroken) Error() string { return "broken" }
