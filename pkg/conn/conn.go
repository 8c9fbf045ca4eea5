// Package conn owns the per-connection Bolt state machine: a channel plus
// its chunker/dechunker and negotiated dialect, a FIFO of response
// observers, and the READY/STREAMING/TX_READY/TX_STREAMING/FAILED/BROKEN
// transitions between them (§4.4). It is the one place message order and
// observer order are kept in lockstep.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
	"github.com/orneryd/bolt-go-driver/pkg/boltchan"
	"github.com/orneryd/bolt-go-driver/pkg/frame"
	"github.com/orneryd/bolt-go-driver/pkg/packstream"
)

// State is a connection's position in the §4.4 state machine.
type State int

const (
	StateReady State = iota
	StateStreaming
	StateTxReady
	StateTxStreaming
	StateFailed
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateTxReady:
		return "TX_READY"
	case StateTxStreaming:
		return "TX_STREAMING"
	case StateFailed:
		return "FAILED"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// pendingObserver is one entry in the response FIFO: the caller-supplied
// observer plus an optional hook the connection itself uses to update
// state once the terminal event for this entry is known.
type pendingObserver struct {
	obs        bolt.Observer
	onTerminal func(meta map[string]any, err error)
}

// Connection owns one Bolt channel end-to-end: handshake, dialect,
// framing, and the observer FIFO that response bytes are matched against.
type Connection struct {
	mu sync.Mutex

	address   string
	ch        boltchan.Channel
	chunker   *frame.Chunker
	dechunker *frame.Dechunker
	dialect   *bolt.Dialect
	version   bolt.Version

	createdAt  time.Time
	lastUsedAt time.Time
	authToken  map[string]any
	sticky     bool
	serverMeta map[string]any

	state    State
	queue    []*pendingObserver
	closed   bool
	brokenBy error

	logger hclog.Logger
}

// New wraps an already-dialed channel. Call Open to perform the handshake
// and authenticate before issuing any other request.
func New(address string, ch boltchan.Channel, chunkSize int, logger hclog.Logger) *Connection {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	now := time.Now()
	return &Connection{
		address:    address,
		ch:         ch,
		chunker:    frame.NewChunker(ch, chunkSize),
		dechunker:  frame.NewDechunker(ch),
		state:      StateReady,
		createdAt:  now,
		lastUsedAt: now,
		logger:     logger.Named("conn").With("address", address),
	}
}

func (c *Connection) Address() string      { return c.address }
func (c *Connection) Version() bolt.Version { return c.version }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsBroken() bool { return c.State() == StateBroken }
func (c *Connection) IsFailed() bool { return c.State() == StateFailed }

func (c *Connection) Sticky() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sticky
}

func (c *Connection) SetSticky(v bool) {
	c.mu.Lock()
	c.sticky = v
	c.mu.Unlock()
}

func (c *Connection) AuthToken() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

func (c *Connection) ServerMetadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverMeta
}

// ExceedsMaxLifetime reports whether this connection is older than
// maxLifetimeMs (§6 "maxConnectionLifetimeMs"). maxLifetimeMs<=0 disables
// the check.
func (c *Connection) ExceedsMaxLifetime(maxLifetimeMs int64) bool {
	if maxLifetimeMs <= 0 {
		return false
	}
	return time.Since(c.createdAt) > time.Duration(maxLifetimeMs)*time.Millisecond
}

// IdleFor reports how long this connection has sat unused, for
// connectionLivenessTimeoutMs checks performed by the pool.
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// syncObserver adapts a single blocking request/response exchange (HELLO,
// LOGON, BEGIN, COMMIT, ROLLBACK, RESET, ROUTE, TELEMETRY) onto the same
// observer FIFO the streaming Run/Pull path uses.
type syncObserver struct {
	done chan struct{}
	once sync.Once
	meta map[string]any
	err  error
}

func newSyncObserver() *syncObserver { return &syncObserver{done: make(chan struct{})} }

func (o *syncObserver) OnKeys([]string) {}
func (o *syncObserver) OnNext([]any)    {}

func (o *syncObserver) OnCompleted(meta map[string]any) {
	o.once.Do(func() {
		o.meta = meta
		close(o.done)
	})
}

func (o *syncObserver) OnError(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// Open performs the handshake, negotiates a dialect, starts the response
// reader, and authenticates. It must be called exactly once before any
// other method.
func (c *Connection) Open(ctx context.Context, userAgent string, authToken map[string]any, routingContext map[string]string) error {
	v, err := bolt.ClientHandshake(c.ch, bolt.DefaultProposedVersions())
	if err != nil {
		c.transitionBroken(err)
		return err
	}
	d, err := bolt.ForVersion(v)
	if err != nil {
		c.transitionBroken(err)
		return err
	}

	c.mu.Lock()
	c.version = v
	c.dialect = d
	c.mu.Unlock()

	go c.readLoop()

	helloMsg := d.Hello(bolt.HelloParams{UserAgent: userAgent, AuthToken: authToken, RoutingContext: routingContext})
	meta, err := c.sendAwait(ctx, helloMsg)
	if err != nil {
		return err
	}

	if d.Caps.SupportsLogonLogoff {
		logonMsg, err := d.Logon(authToken)
		if err != nil {
			return err
		}
		if _, err := c.sendAwait(ctx, logonMsg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.serverMeta = meta
	c.authToken = authToken
	c.mu.Unlock()
	return nil
}

// Logoff de-authenticates a re-authenticatable (v5.1+) connection without
// tearing down the channel, so a new Logon can follow.
func (c *Connection) Logoff(ctx context.Context) error {
	msg, err := c.dialect.Logoff()
	if err != nil {
		return err
	}
	_, err = c.sendAwait(ctx, msg)
	return err
}

// Logon (re-)authenticates a v5.1+ connection.
func (c *Connection) Logon(ctx context.Context, authToken map[string]any) error {
	msg, err := c.dialect.Logon(authToken)
	if err != nil {
		return err
	}
	if _, err := c.sendAwait(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.authToken = authToken
	c.mu.Unlock()
	return nil
}

// Run issues an auto-commit or in-transaction query depending on the
// connection's current state, and registers obs to receive its records.
func (c *Connection) Run(params bolt.RunParams, obs bolt.Observer) error {
	msg, err := c.dialect.Run(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.state = StateStreaming
	case StateTxReady:
		c.state = StateTxStreaming
	default:
		st := c.state
		c.mu.Unlock()
		return bolterr.NewProtocolError(fmt.Sprintf("cannot RUN while connection is %s", st), nil)
	}
	c.mu.Unlock()
	c.touch()

	return c.dispatchSend(msg, obs, nil)
}

// Pull requests up to n records (n<0 for "all") from the active stream.
func (c *Connection) Pull(n, qid int64, obs bolt.Observer) error {
	if c.dialect == nil {
		return bolterr.NewProtocolError("connection not opened", nil)
	}
	msg := c.dialect.Pull(n, qid)
	return c.dispatchSend(msg, obs, c.streamTerminalHook())
}

// Discard abandons the remainder of the active stream's records.
func (c *Connection) Discard(n, qid int64, obs bolt.Observer) error {
	msg := c.dialect.Discard(n, qid)
	return c.dispatchSend(msg, obs, c.streamTerminalHook())
}

// streamTerminalHook returns the connection's STREAMING/TX_STREAMING ->
// READY/TX_READY transition, applied only once the server signals there
// are no more records to pull ("has_more" absent or false).
func (c *Connection) streamTerminalHook() func(map[string]any, error) {
	return func(meta map[string]any, err error) {
		if err != nil {
			return
		}
		if hasMore, _ := meta["has_more"].(bool); hasMore {
			return
		}
		c.mu.Lock()
		switch c.state {
		case StateStreaming:
			c.state = StateReady
		case StateTxStreaming:
			c.state = StateTxReady
		}
		c.mu.Unlock()
	}
}

// Begin opens an explicit transaction.
func (c *Connection) Begin(ctx context.Context, params bolt.RunParams) error {
	msg, err := c.dialect.Begin(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		return bolterr.NewProtocolError(fmt.Sprintf("cannot BEGIN while connection is %s", st), nil)
	}
	c.mu.Unlock()
	c.touch()

	if _, err := c.sendAwait(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateReady {
		c.state = StateTxReady
	}
	c.mu.Unlock()
	return nil
}

// Commit commits the open transaction. COMMIT is not acknowledged until
// every stream opened on this connection has already terminated (§5), so
// by the time sendAwait's response arrives no records remain unconsumed.
func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateTxReady {
		st := c.state
		c.mu.Unlock()
		return bolterr.NewProtocolError(fmt.Sprintf("cannot COMMIT while connection is %s", st), nil)
	}
	c.mu.Unlock()

	msg := c.dialect.Commit()
	if _, err := c.sendAwait(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateTxReady {
		c.state = StateReady
	}
	c.mu.Unlock()
	return nil
}

// Rollback aborts the open transaction.
func (c *Connection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateTxReady {
		st := c.state
		c.mu.Unlock()
		return bolterr.NewProtocolError(fmt.Sprintf("cannot ROLLBACK while connection is %s", st), nil)
	}
	c.mu.Unlock()

	msg := c.dialect.Rollback()
	if _, err := c.sendAwait(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateTxReady {
		c.state = StateReady
	}
	c.mu.Unlock()
	return nil
}

// Reset synchronously clears a FAILED connection back to READY (or is a
// harmless no-op on an already-READY one). This is the "reset is
// synchronous on last release" path (§4.4).
func (c *Connection) Reset(ctx context.Context) error {
	msg := c.dialect.Reset()
	if _, err := c.sendAwait(ctx, msg); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateBroken {
		c.state = StateReady
	}
	c.mu.Unlock()
	return nil
}

// ResetAsync fires RESET without waiting for the response and swallows
// any error, for the "concurrent close races reset" path (§4.4, §9).
func (c *Connection) ResetAsync() {
	if c.dialect == nil {
		return
	}
	msg := c.dialect.Reset()
	so := newSyncObserver()
	if err := c.dispatchSend(msg, so, nil); err != nil {
		return
	}
	go func() {
		<-so.done
		c.mu.Lock()
		if c.state != StateBroken {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()
}

// Route fetches a fresh routing table (§4.6) and returns its raw metadata
// for the routing layer to parse.
func (c *Connection) Route(ctx context.Context, routingContext map[string]string, bookmarks []string, database string) (map[string]any, error) {
	msg, err := c.dialect.Route(routingContext, bookmarks, database)
	if err != nil {
		return nil, err
	}
	if msg.Signature == bolt.MsgRun {
		// Procedure-call fallback: RUN + PULL ALL, collecting the single
		// record's fields as if it were ROUTE's response metadata.
		return c.runRouteProcedure(ctx, msg)
	}
	return c.sendAwait(ctx, msg)
}

func (c *Connection) runRouteProcedure(ctx context.Context, runMsg *bolt.OutgoingMessage) (map[string]any, error) {
	var rows [][]any
	obs := &bolt.FuncObserver{
		Next: func(values []any) { rows = append(rows, values) },
	}
	runMeta, err := c.sendAwaitObs(ctx, runMsg, obs)
	if err != nil {
		return nil, err
	}
	pullMsg := c.dialect.Pull(-1, -1)
	if _, err := c.sendAwaitObs(ctx, pullMsg, obs); err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, bolterr.NewProtocolError("routing procedure returned no rows", nil)
	}
	fields, _ := runMeta["fields"].([]any)
	table := make(map[string]any, len(fields))
	for i, f := range fields {
		if name, ok := f.(string); ok && i < len(rows[0]) {
			table[name] = rows[0][i]
		}
	}
	return table, nil
}

// Telemetry reports which driver API shape issued preceding work (v5.4+).
func (c *Connection) Telemetry(ctx context.Context, apiKind int) error {
	msg, err := c.dialect.Telemetry(apiKind)
	if err != nil {
		return err
	}
	_, err = c.sendAwait(ctx, msg)
	return err
}

// Close sends GOODBYE (fire-and-forget; no response is defined for it)
// and closes the underlying channel. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	d := c.dialect
	c.mu.Unlock()

	if d != nil {
		msg := d.Goodbye()
		enc := packstream.NewEncoder()
		if err := enc.Pack(&packstream.Struct{Signature: msg.Signature, Fields: msg.Fields}); err == nil {
			if _, werr := c.chunker.Write(enc.Bytes()); werr == nil {
				_ = c.chunker.Flush()
			}
		}
	}
	return c.ch.Close()
}

// sendAwait sends msg and blocks for its single terminal response.
func (c *Connection) sendAwait(ctx context.Context, msg *bolt.OutgoingMessage) (map[string]any, error) {
	return c.sendAwaitObs(ctx, msg, newSyncObserver())
}

func (c *Connection) sendAwaitObs(ctx context.Context, msg *bolt.OutgoingMessage, obs bolt.Observer) (map[string]any, error) {
	so, isSync := obs.(*syncObserver)
	if !isSync {
		// Wrap a non-sync observer (e.g. FuncObserver collecting records)
		// with a sync completion signal.
		inner := obs
		so = newSyncObserver()
		obs = &bolt.FuncObserver{
			Keys:      inner.OnKeys,
			Next:      inner.OnNext,
			Completed: func(meta map[string]any) { inner.OnCompleted(meta); so.OnCompleted(meta) },
			Err:       func(err error) { inner.OnError(err); so.OnError(err) },
		}
	}
	if err := c.dispatchSend(msg, obs, nil); err != nil {
		return nil, err
	}
	select {
	case <-so.done:
		return so.meta, so.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchSend packs msg, flushes it as a framed chunk sequence, and
// registers obs at the tail of the response FIFO.
func (c *Connection) dispatchSend(msg *bolt.OutgoingMessage, obs bolt.Observer, onTerminal func(map[string]any, error)) error {
	c.mu.Lock()
	if c.state == StateBroken {
		err := c.brokenBy
		c.mu.Unlock()
		return bolterr.NewServiceUnavailableError("connection is broken", err)
	}

	enc := packstream.NewEncoder()
	if err := enc.Pack(&packstream.Struct{Signature: msg.Signature, Fields: msg.Fields}); err != nil {
		c.mu.Unlock()
		return bolterr.NewProtocolError("encoding request", err)
	}
	if _, err := c.chunker.Write(enc.Bytes()); err != nil {
		c.mu.Unlock()
		return bolterr.NewServiceUnavailableError("writing to channel", err)
	}
	if err := c.chunker.Flush(); err != nil {
		c.mu.Unlock()
		c.transitionBroken(err)
		return bolterr.NewServiceUnavailableError("writing to channel", err)
	}
	c.queue = append(c.queue, &pendingObserver{obs: obs, onTerminal: onTerminal})
	c.mu.Unlock()
	return nil
}

// readLoop dispatches response messages to the FIFO until the channel
// breaks, at which point every still-pending observer is failed.
func (c *Connection) readLoop() {
	for {
		raw, err := c.dechunker.ReadMessage()
		if err != nil {
			c.transitionBroken(err)
			return
		}
		val, err := packstream.Unmarshal(raw)
		if err != nil {
			c.transitionBroken(bolterr.NewProtocolError("decoding response", err))
			return
		}
		s, ok := val.(*packstream.Struct)
		if !ok {
			c.transitionBroken(bolterr.NewProtocolError("response was not a structure", nil))
			return
		}
		c.dispatch(s)
	}
}

func (c *Connection) dispatch(s *packstream.Struct) {
	switch s.Signature {
	case bolt.MsgRecord:
		c.mu.Lock()
		var head *pendingObserver
		if len(c.queue) > 0 {
			head = c.queue[0]
		}
		c.mu.Unlock()
		if head == nil {
			c.logger.Warn("received RECORD with no pending observer")
			return
		}
		var values []any
		if len(s.Fields) > 0 {
			values, _ = s.Fields[0].([]any)
		}
		head.obs.OnNext(values)

	case bolt.MsgSuccess, bolt.MsgFailure, bolt.MsgIgnored:
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			c.logger.Warn("received terminal response with no pending observer", "signature", s.Signature)
			return
		}
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		var meta map[string]any
		if len(s.Fields) > 0 {
			meta, _ = s.Fields[0].(map[string]any)
		}

		switch s.Signature {
		case bolt.MsgSuccess:
			if p.onTerminal != nil {
				p.onTerminal(meta, nil)
			}
			p.obs.OnCompleted(meta)
		case bolt.MsgFailure:
			failErr := failureToError(meta)
			c.mu.Lock()
			c.state = StateFailed
			c.mu.Unlock()
			if p.onTerminal != nil {
				p.onTerminal(nil, failErr)
			}
			p.obs.OnError(failErr)
		case bolt.MsgIgnored:
			ignoredErr := &bolterr.ClientError{
				Code:    "Ignored",
				Message: "request ignored because the connection is in a failed state; call RESET",
			}
			if p.onTerminal != nil {
				p.onTerminal(nil, ignoredErr)
			}
			p.obs.OnError(ignoredErr)
		}

	default:
		c.logger.Warn("received unrecognized response signature", "signature", s.Signature)
	}
}

// transitionBroken marks the connection BROKEN and fails every queued
// observer; it is idempotent.
func (c *Connection) transitionBroken(cause error) {
	c.mu.Lock()
	if c.state == StateBroken {
		c.mu.Unlock()
		return
	}
	c.state = StateBroken
	c.brokenBy = cause
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	err := bolterr.NewServiceUnavailableError("connection broken", cause)
	for _, p := range queued {
		p.obs.OnError(err)
	}
}

// failureToError maps a FAILURE message's metadata to a typed error,
// distinguishing authorization expiry (which triggers global re-auth) from
// an ordinary client error.
func failureToError(meta map[string]any) error {
	code, _ := meta["code"].(string)
	message, _ := meta["message"].(string)

	switch code {
	case "Neo.ClientError.Security.AuthorizationExpired":
		return &bolterr.ClientError{Code: code, Message: message, IsAuthorizationExpired: true}
	case "Neo.ClientError.Security.Unauthorized",
		"Neo.ClientError.Security.TokenExpired",
		"Neo.ClientError.Security.CredentialsExpired",
		"Neo.ClientError.Security.Forbidden":
		return &bolterr.AuthenticationFailedError{Code: code, Message: message}
	}

	if isTransientCode(code) {
		return &bolterr.TransientError{Code: code, Message: message}
	}
	return &bolterr.ClientError{Code: code, Message: message}
}

func isTransientCode(code string) bool {
	switch code {
	case "Neo.TransientError.Transaction.DeadlockDetected",
		"Neo.TransientError.Transaction.LockClientStopped",
		"Neo.TransientError.Cluster.NotALeader",
		"Neo.TransientError.General.MemoryPoolOutOfMemoryError":
		return true
	}
	return len(code) > 18 && code[:18] == "Neo.TransientError"
}
