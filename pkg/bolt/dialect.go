package bolt

import (
	"fmt"

	"github.com/orneryd/bolt-go-driver/pkg/bolterr"
	"github.com/orneryd/bolt-go-driver/pkg/packstream"
)

// Capabilities is the per-version feature vector. Dialects differ by
// flipping bits in this table, not by subclassing (§9 design note: "tagged
// variants... as a per-version vector").
type Capabilities struct {
	UsesInit                bool // pre-3.0: INIT instead of HELLO (kept for completeness)
	SupportsLogonLogoff     bool // v5.1+: credentials move out of HELLO into LOGON/LOGOFF
	SupportsMultiDatabase   bool // v4.0+: "db" selects the target database
	SupportsImpersonation   bool // v4.4+: "imp_user" impersonates another principal
	SupportsRouteMessage    bool // v4.3+: dedicated ROUTE message (older: CALL procedure)
	NeedsUTCPatchNegotiation bool // v4.3 only: must ask for the UTC datetime patch
	AlwaysUTC               bool // v5.0+: UTC epoch is the only convention
	SupportsNotificationFilters bool // v5.2+
	SupportsTelemetry       bool // v5.4+
	SupportsEnrichedStatus  bool // v5.5+: richer FAILURE/status metadata
}

// Dialect is a version-keyed implementation of the Bolt operation
// interface: it builds request messages shaped for its negotiated version
// and refuses (UnsupportedFeatureError) to build ones its version cannot
// carry, before any bytes are sent (§4.3).
type Dialect struct {
	Version Version
	Caps    Capabilities
}

// versionTable is the per-version capability vector, newest first.
var versionTable = []Dialect{
	{Version{5, 5}, Capabilities{SupportsLogonLogoff: true, SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true, AlwaysUTC: true, SupportsNotificationFilters: true, SupportsTelemetry: true, SupportsEnrichedStatus: true}},
	{Version{5, 4}, Capabilities{SupportsLogonLogoff: true, SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true, AlwaysUTC: true, SupportsNotificationFilters: true, SupportsTelemetry: true}},
	{Version{5, 2}, Capabilities{SupportsLogonLogoff: true, SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true, AlwaysUTC: true, SupportsNotificationFilters: true}},
	{Version{5, 1}, Capabilities{SupportsLogonLogoff: true, SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true, AlwaysUTC: true}},
	{Version{5, 0}, Capabilities{SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true, AlwaysUTC: true}},
	{Version{4, 4}, Capabilities{SupportsMultiDatabase: true, SupportsImpersonation: true, SupportsRouteMessage: true}},
	{Version{4, 3}, Capabilities{SupportsMultiDatabase: true, SupportsRouteMessage: true, NeedsUTCPatchNegotiation: true}},
	{Version{4, 2}, Capabilities{SupportsMultiDatabase: true}},
	{Version{4, 1}, Capabilities{SupportsMultiDatabase: true}},
	{Version{4, 0}, Capabilities{SupportsMultiDatabase: true}},
	{Version{3, 0}, Capabilities{}},
}

// DefaultProposedVersions returns the newest-first version list a client
// handshake offers when the caller hasn't pinned a specific version. The
// handshake wire format carries at most four proposals (§4.3), so this
// picks one representative per capability era rather than every entry in
// versionTable.
func DefaultProposedVersions() []Version {
	return []Version{{5, 5}, {5, 1}, {4, 4}, {3, 0}}
}

// ForVersion returns the Dialect matching v, or an error if v is not one
// this driver implements.
func ForVersion(v Version) (*Dialect, error) {
	for i := range versionTable {
		if versionTable[i].Version == v {
			d := versionTable[i]
			return &d, nil
		}
	}
	return nil, bolterr.NewProtocolError(fmt.Sprintf("unsupported Bolt version %s", v), nil)
}

// HelloParams carries the values the various HELLO shapes draw from;
// fields unused by a given version's capabilities are simply not packed.
type HelloParams struct {
	UserAgent        string
	AuthToken        map[string]any
	RoutingContext   map[string]string
	NotificationsMin string
	NotificationsCategories []string
}

// Hello builds the connection-opening message. Pre-5.1 dialects embed the
// auth token directly in HELLO; 5.1+ sends bare HELLO and expects a
// follow-up Logon. A NotificationsMin value is packed only on dialects
// with SupportsNotificationFilters; older dialects leave it out without
// returning an error.
func (d *Dialect) Hello(p HelloParams) *OutgoingMessage {
	extra := map[string]any{
		"user_agent": p.UserAgent,
	}
	if d.Caps.SupportsMultiDatabase && len(p.RoutingContext) > 0 {
		rc := make(map[string]any, len(p.RoutingContext))
		for k, v := range p.RoutingContext {
			rc[k] = v
		}
		extra["routing"] = rc
	}
	if d.Caps.NeedsUTCPatchNegotiation {
		extra["patch_bolt"] = []any{"utc"}
	}
	if !d.Caps.SupportsLogonLogoff {
		for k, v := range p.AuthToken {
			extra[k] = v
		}
	}
	if d.Caps.SupportsNotificationFilters && p.NotificationsMin != "" {
		extra["notifications_minimum_severity"] = p.NotificationsMin
	}
	return &OutgoingMessage{Signature: MsgHello, Fields: []any{extra}}
}

// Logon builds a LOGON message. It is an UnsupportedFeatureError on
// dialects that fold auth into HELLO instead.
func (d *Dialect) Logon(authToken map[string]any) (*OutgoingMessage, error) {
	if !d.Caps.SupportsLogonLogoff {
		return nil, &bolterr.UnsupportedFeatureError{Feature: "LOGON", Version: d.Version.String()}
	}
	return &OutgoingMessage{Signature: MsgLogon, Fields: []any{authToken}}, nil
}

// Logoff builds a LOGOFF message.
func (d *Dialect) Logoff() (*OutgoingMessage, error) {
	if !d.Caps.SupportsLogonLogoff {
		return nil, &bolterr.UnsupportedFeatureError{Feature: "LOGOFF", Version: d.Version.String()}
	}
	return &OutgoingMessage{Signature: MsgLogoff}, nil
}

// RunParams carries the values shared by RUN and BEGIN requests.
type RunParams struct {
	Query            string
	Parameters       map[string]any
	Bookmarks        []string
	TxTimeoutMs      *int64
	TxMetadata       map[string]any
	Mode             AccessMode
	Database         string
	ImpersonatedUser string
}

func (d *Dialect) buildMeta(p RunParams) (map[string]any, error) {
	if p.Mode != AccessModeRead && p.Mode != AccessModeWrite {
		return nil, fmt.Errorf("bolt: unknown access mode %d", int(p.Mode))
	}
	meta := map[string]any{}
	if len(p.Bookmarks) > 0 {
		bm := make([]any, len(p.Bookmarks))
		for i, b := range p.Bookmarks {
			bm[i] = b
		}
		meta["bookmarks"] = bm
	}
	if p.TxTimeoutMs != nil {
		meta["tx_timeout"] = *p.TxTimeoutMs
	}
	if len(p.TxMetadata) > 0 {
		meta["tx_metadata"] = p.TxMetadata
	}
	if p.Mode == AccessModeRead {
		meta["mode"] = "r"
	}
	if p.Database != "" {
		if !d.Caps.SupportsMultiDatabase {
			return nil, &bolterr.UnsupportedFeatureError{Feature: "multi-database selection", Version: d.Version.String()}
		}
		meta["db"] = p.Database
	}
	if p.ImpersonatedUser != "" {
		if !d.Caps.SupportsImpersonation {
			return nil, &bolterr.UnsupportedFeatureError{Feature: "user impersonation", Version: d.Version.String()}
		}
		meta["imp_user"] = p.ImpersonatedUser
	}
	return meta, nil
}

// Run builds a RUN message. Parameters are validated against §4.2's rule
// that graph values cannot travel client to server.
func (d *Dialect) Run(p RunParams) (*OutgoingMessage, error) {
	for _, v := range p.Parameters {
		if err := packstream.ValidateParameter(v); err != nil {
			return nil, bolterr.NewProtocolError("invalid RUN parameter", err)
		}
	}
	meta, err := d.buildMeta(p)
	if err != nil {
		return nil, err
	}
	params := p.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return &OutgoingMessage{Signature: MsgRun, Fields: []any{p.Query, params, meta}}, nil
}

// Begin builds a BEGIN message opening an explicit transaction.
func (d *Dialect) Begin(p RunParams) (*OutgoingMessage, error) {
	meta, err := d.buildMeta(p)
	if err != nil {
		return nil, err
	}
	return &OutgoingMessage{Signature: MsgBegin, Fields: []any{meta}}, nil
}

// Commit builds a COMMIT message.
func (d *Dialect) Commit() *OutgoingMessage { return &OutgoingMessage{Signature: MsgCommit} }

// Rollback builds a ROLLBACK message.
func (d *Dialect) Rollback() *OutgoingMessage { return &OutgoingMessage{Signature: MsgRollback} }

// Reset builds a RESET message.
func (d *Dialect) Reset() *OutgoingMessage { return &OutgoingMessage{Signature: MsgReset} }

// Goodbye builds a GOODBYE message (no response is expected).
func (d *Dialect) Goodbye() *OutgoingMessage { return &OutgoingMessage{Signature: MsgGoodbye} }

// Pull builds a PULL message requesting n records (n<0 means "all").
func (d *Dialect) Pull(n int64, qid int64) *OutgoingMessage {
	extra := map[string]any{"n": n}
	if qid >= 0 {
		extra["qid"] = qid
	}
	return &OutgoingMessage{Signature: MsgPull, Fields: []any{extra}}
}

// Discard builds a DISCARD message discarding n records (n<0 means "all").
func (d *Dialect) Discard(n int64, qid int64) *OutgoingMessage {
	extra := map[string]any{"n": n}
	if qid >= 0 {
		extra["qid"] = qid
	}
	return &OutgoingMessage{Signature: MsgDiscard, Fields: []any{extra}}
}

// Route builds a routing request. Dialects with a dedicated ROUTE message
// use it directly; older dialects express the same request as a RUN of
// the equivalent routing procedure call (§4.6), since they have no ROUTE
// message at all.
func (d *Dialect) Route(routingContext map[string]string, bookmarks []string, database string) (*OutgoingMessage, error) {
	ctx := make(map[string]any, len(routingContext))
	for k, v := range routingContext {
		ctx[k] = v
	}
	bm := make([]any, len(bookmarks))
	for i, b := range bookmarks {
		bm[i] = b
	}

	if d.Caps.SupportsRouteMessage {
		var dbField any // nil selects the server's default database
		if database != "" {
			dbField = database
		}
		return &OutgoingMessage{Signature: MsgRoute, Fields: []any{ctx, bm, dbField}}, nil
	}

	params := map[string]any{"context": ctx, "bookmarks": bm}
	if database != "" {
		params["database"] = database
	}
	return &OutgoingMessage{
		Signature: MsgRun,
		Fields: []any{
			"CALL dbms.cluster.routing.getRoutingTable($context, $database)",
			params,
			map[string]any{"mode": "r"},
		},
	}, nil
}

// Telemetry builds a TELEMETRY message reporting which driver API shape
// issued the preceding work (v5.4+ only).
func (d *Dialect) Telemetry(apiKind int) (*OutgoingMessage, error) {
	if !d.Caps.SupportsTelemetry {
		return nil, &bolterr.UnsupportedFeatureError{Feature: "TELEMETRY", Version: d.Version.String()}
	}
	return &OutgoingMessage{Signature: MsgTelemetry, Fields: []any{int64(apiKind)}}, nil
}
