package result

import (
	"sync"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
)

// PullRequester is the connection surface a result stream drives: request
// more records, or abandon the rest of the stream. *conn.Connection
// satisfies this directly.
type PullRequester interface {
	Pull(n, qid int64, obs bolt.Observer) error
	Discard(n, qid int64, obs bolt.Observer) error
}

// record is one buffered RECORD awaiting delivery to a subscriber.
type record struct {
	values []any
}

// ResultStream is the lazy consumer-facing side of a running query: it
// owns the protocol observer for RUN's header and every subsequent PULL
// batch, buffers what arrives before a consumer subscribes, and releases
// its connection reservation exactly once the stream reaches its terminal
// event (§4.8).
type ResultStream struct {
	mu sync.Mutex

	puller           PullRequester
	holder           *ConnectionHolder
	metadataSupplier func() map[string]any
	fetchSize        int64
	qid              int64

	keys           []string
	keysDelivered  bool
	headerReceived bool

	buffer []record

	consumer bolt.Observer

	terminalSeen   bool
	terminalErr    error
	terminalMeta   map[string]any
	terminalSent   bool
}

// New constructs a stream bound to an already-issued RUN; qid is the
// query id from RUN's SUCCESS metadata (-1 for the implicit "last query"
// on protocol versions that don't report one). fetchSize <= 0 means
// unbounded: the stream pulls ALL records in one shot and buffers without
// limit. metadataSupplier may be nil.
func New(qid int64, fetchSize int64, puller PullRequester, holder *ConnectionHolder, metadataSupplier func() map[string]any) *ResultStream {
	return &ResultStream{
		puller:           puller,
		holder:           holder,
		metadataSupplier: metadataSupplier,
		fetchSize:        fetchSize,
		qid:              qid,
	}
}

// RunObserver returns the bolt.Observer to pass to Connection.Run. Its
// OnCompleted call is RUN's SUCCESS, carrying the "fields" header; it
// triggers the stream's first PULL.
func (s *ResultStream) RunObserver() bolt.Observer { return runHeaderObserver{s} }

// pullObserver returns a fresh bolt.Observer for one PULL/DISCARD call.
func (s *ResultStream) pullObserver() bolt.Observer { return pullBatchObserver{s} }

type runHeaderObserver struct{ s *ResultStream }

func (o runHeaderObserver) OnKeys([]string) {}
func (o runHeaderObserver) OnNext([]any)    {}

func (o runHeaderObserver) OnCompleted(meta map[string]any) {
	s := o.s
	s.mu.Lock()
	if keysAny, ok := meta["fields"].([]any); ok {
		keys := make([]string, 0, len(keysAny))
		for _, k := range keysAny {
			if str, ok := k.(string); ok {
				keys = append(keys, str)
			}
		}
		s.keys = keys
	}
	s.headerReceived = true
	s.mu.Unlock()
	s.requestNextBatch()
}

func (o runHeaderObserver) OnError(err error) { o.s.finishWithError(err) }

type pullBatchObserver struct{ s *ResultStream }

func (o pullBatchObserver) OnKeys([]string) {}

func (o pullBatchObserver) OnNext(values []any) {
	s := o.s
	s.mu.Lock()
	consumer := s.consumer
	if consumer != nil && len(s.buffer) == 0 {
		s.mu.Unlock()
		consumer.OnNext(values)
		return
	}
	s.buffer = append(s.buffer, record{values: values})
	s.mu.Unlock()
}

func (o pullBatchObserver) OnCompleted(meta map[string]any) {
	s := o.s
	hasMore, _ := meta["has_more"].(bool)
	if hasMore {
		s.requestNextBatch()
		return
	}
	s.finishWithSummary(meta)
}

func (o pullBatchObserver) OnError(err error) { o.s.finishWithError(err) }

// requestNextBatch issues the next PULL if the stream's backpressure
// policy allows it right now; otherwise it is a no-op and is retried
// from Subscribe once a consumer attaches and drains the buffer.
func (s *ResultStream) requestNextBatch() {
	s.mu.Lock()
	if !s.headerReceived || s.terminalSeen || !s.canPullMoreLocked() {
		s.mu.Unlock()
		return
	}
	n := s.fetchSize
	if n <= 0 {
		n = -1
	}
	qid := s.qid
	puller := s.puller
	s.mu.Unlock()

	if err := puller.Pull(n, qid, s.pullObserver()); err != nil {
		s.finishWithError(err)
	}
}

func (s *ResultStream) canPullMoreLocked() bool {
	if s.fetchSize <= 0 {
		return true
	}
	if s.consumer != nil {
		return true
	}
	return int64(len(s.buffer)) < s.fetchSize
}

// finishWithSummary is the normal (no-more-records) terminal path.
func (s *ResultStream) finishWithSummary(meta map[string]any) {
	s.mu.Lock()
	if s.terminalSeen {
		s.mu.Unlock()
		return
	}
	s.terminalSeen = true
	s.terminalMeta = s.mergeSummary(meta)
	s.mu.Unlock()

	s.holder.Release()
	s.deliverTerminal()
}

// finishWithError is the FAILURE/IGNORED/transport-error terminal path.
func (s *ResultStream) finishWithError(err error) {
	s.mu.Lock()
	if s.terminalSeen {
		s.mu.Unlock()
		return
	}
	s.terminalSeen = true
	s.terminalErr = err
	s.mu.Unlock()

	s.holder.Release()
	s.deliverTerminal()
}

func (s *ResultStream) mergeSummary(meta map[string]any) map[string]any {
	out := map[string]any{}
	if s.metadataSupplier != nil {
		for k, v := range s.metadataSupplier() {
			out[k] = v
		}
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// Subscribe attaches consumer to the stream: buffered keys/records/
// terminal event are replayed first (in that order), then live events
// are forwarded directly as they arrive. Calling Subscribe more than
// once replaces the previous consumer; at most one terminal event is
// ever delivered to whichever consumer is attached when it fires (§8
// invariant 1, §4.8).
func (s *ResultStream) Subscribe(consumer bolt.Observer) {
	s.mu.Lock()
	s.consumer = consumer

	if !s.keysDelivered && s.keys != nil {
		s.keysDelivered = true
		keys := s.keys
		s.mu.Unlock()
		consumer.OnKeys(keys)
		s.mu.Lock()
	}

	buffered := s.buffer
	s.buffer = nil
	terminalSeen := s.terminalSeen
	terminalErr := s.terminalErr
	terminalMeta := s.terminalMeta
	terminalSent := s.terminalSent
	if terminalSeen && !terminalSent {
		s.terminalSent = true
	}
	s.mu.Unlock()

	for _, rec := range buffered {
		consumer.OnNext(rec.values)
	}

	if terminalSeen {
		if !terminalSent {
			if terminalErr != nil {
				consumer.OnError(terminalErr)
			} else {
				consumer.OnCompleted(terminalMeta)
			}
		}
		return
	}

	// Draining the buffer may have opened room under the high watermark
	// for another PULL that was deferred while unsubscribed.
	s.requestNextBatch()
}

// deliverTerminal pushes the terminal event to an already-subscribed
// consumer; if nobody is subscribed yet it stays buffered for Subscribe
// to replay, per the at-most-one-delivery guarantee.
func (s *ResultStream) deliverTerminal() {
	s.mu.Lock()
	consumer := s.consumer
	if consumer == nil || s.terminalSent {
		s.mu.Unlock()
		return
	}
	s.terminalSent = true
	err := s.terminalErr
	meta := s.terminalMeta
	s.mu.Unlock()

	if err != nil {
		consumer.OnError(err)
	} else {
		consumer.OnCompleted(meta)
	}
}

// Discard abandons the remainder of the stream without buffering further
// records; the usual terminal-event/release sequence still applies.
func (s *ResultStream) Discard() {
	s.mu.Lock()
	if s.terminalSeen {
		s.mu.Unlock()
		return
	}
	qid := s.qid
	puller := s.puller
	s.mu.Unlock()

	if err := puller.Discard(-1, qid, s.pullObserver()); err != nil {
		s.finishWithError(err)
	}
}
