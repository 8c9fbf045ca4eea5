package packstream

import (
	"fmt"
	"time"
)

// Structure signatures for graph and spatial/temporal values. The UTC vs
// local-epoch wire convention for the two DateTime flavors changes at the
// Bolt 5.0 "UTC patch"; Registry tracks which convention to use per value.
const (
	SigNode                 byte = 'N'
	SigRelationship         byte = 'R'
	SigUnboundRelationship  byte = 'r'
	SigPath                 byte = 'P'
	SigPoint2D              byte = 'X'
	SigPoint3D              byte = 'Y'
	SigDate                 byte = 'D'
	SigLocalTime            byte = 't'
	SigTime                 byte = 'T'
	SigLocalDateTime        byte = 'd'
	SigDuration             byte = 'E'
	SigDateTimeOffsetLegacy byte = 'F' // pre-5.0: local epoch
	SigDateTimeOffsetUTC    byte = 'I' // 5.0+: UTC epoch
	SigDateTimeZoneIDLegacy byte = 'f' // pre-5.0: local epoch
	SigDateTimeZoneIDUTC    byte = 'i' // 5.0+: UTC epoch
)

// Node is a labeled graph vertex.
type Node struct {
	ID         int64
	Labels     []string
	Properties map[string]any
	ElementID  string
}

// Relationship is a typed, directed graph edge bound to concrete endpoints.
type Relationship struct {
	ID             int64
	StartNodeID    int64
	EndNodeID      int64
	Type           string
	Properties     map[string]any
	ElementID      string
	StartElementID string
	EndElementID   string
}

// UnboundRelationship is a relationship as it appears inside a Path, before
// its start/end node IDs are inferred from the path's traversal sequence.
type UnboundRelationship struct {
	ID         int64
	Type       string
	Properties map[string]any
	ElementID  string
}

// Path is a walk through alternating nodes and relationships.
type Path struct {
	Nodes         []*Node
	Relationships []*Relationship
}

// Point2D is a planar point tagged with an SRID.
type Point2D struct {
	SRID int64
	X, Y float64
}

// Point3D is a spatial point tagged with an SRID.
type Point3D struct {
	SRID    int64
	X, Y, Z float64
}

// Duration is an ISO-8601-style duration with independent month/day/second
// components (months and days are not fixed-length, so they cannot be
// folded into a single time.Duration without losing information).
type Duration struct {
	Months      int64
	Days        int64
	Seconds     int64
	Nanoseconds int64
}

// Registry decodes PackStream structures into the typed graph/spatial/
// temporal values above. UTCPatch selects the post-5.0 UTC epoch convention
// for DateTime values; it is negotiated once per connection (§4.3).
type Registry struct {
	UTCPatch bool
}

// Hook returns a Decoder.StructHook bound to this registry.
func (r *Registry) Hook() func(*Struct) (any, bool) {
	return r.decode
}

func (r *Registry) decode(s *Struct) (any, bool) {
	switch s.Signature {
	case SigNode:
		return r.decodeNode(s), true
	case SigRelationship:
		return r.decodeRelationship(s), true
	case SigUnboundRelationship:
		return r.decodeUnboundRelationship(s), true
	case SigPath:
		return r.decodePath(s), true
	case SigPoint2D:
		return r.decodePoint2D(s), true
	case SigPoint3D:
		return r.decodePoint3D(s), true
	case SigDuration:
		return r.decodeDuration(s), true
	case SigDate:
		return r.decodeDate(s), true
	case SigLocalTime:
		return r.decodeLocalTime(s), true
	case SigTime:
		return r.decodeTime(s), true
	case SigLocalDateTime:
		return r.decodeLocalDateTime(s), true
	case SigDateTimeOffsetLegacy, SigDateTimeOffsetUTC:
		return r.decodeDateTimeOffset(s), true
	case SigDateTimeZoneIDLegacy, SigDateTimeZoneIDUTC:
		return r.decodeDateTimeZoneID(s), true
	default:
		return nil, false
	}
}

func asInt64(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, asString(item))
	}
	return out
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (r *Registry) decodeNode(s *Struct) *Node {
	n := &Node{ID: asInt64(s.Fields[0]), Labels: asStrings(s.Fields[1]), Properties: asMap(s.Fields[2])}
	if len(s.Fields) > 3 {
		n.ElementID = asString(s.Fields[3])
	}
	return n
}

func (r *Registry) decodeRelationship(s *Struct) *Relationship {
	rel := &Relationship{
		ID:          asInt64(s.Fields[0]),
		StartNodeID: asInt64(s.Fields[1]),
		EndNodeID:   asInt64(s.Fields[2]),
		Type:        asString(s.Fields[3]),
		Properties:  asMap(s.Fields[4]),
	}
	if len(s.Fields) > 7 {
		rel.ElementID = asString(s.Fields[5])
		rel.StartElementID = asString(s.Fields[6])
		rel.EndElementID = asString(s.Fields[7])
	}
	return rel
}

func (r *Registry) decodeUnboundRelationship(s *Struct) *UnboundRelationship {
	u := &UnboundRelationship{
		ID:         asInt64(s.Fields[0]),
		Type:       asString(s.Fields[1]),
		Properties: asMap(s.Fields[2]),
	}
	if len(s.Fields) > 3 {
		u.ElementID = asString(s.Fields[3])
	}
	return u
}

// decodePath reconstructs a path from its wire form (nodes, relationships,
// sequence). sequence is a flat list of signed index pairs: a positive
// index i references relationships[i-1] traversed forward (the relationship
// is bound start=prevNode, end=nextNode); a negative index -i traverses it
// in reverse. Each even-position sequence entry selects a relationship,
// each odd-position entry selects the next node by index into nodes.
func (r *Registry) decodePath(s *Struct) *Path {
	rawNodes, _ := s.Fields[0].([]any)
	rawRels, _ := s.Fields[1].([]any)
	rawSeq, _ := s.Fields[2].([]any)

	nodes := make([]*Node, len(rawNodes))
	for i, rn := range rawNodes {
		if n, ok := rn.(*Node); ok {
			nodes[i] = n
		}
	}
	unbound := make([]*UnboundRelationship, len(rawRels))
	for i, rr := range rawRels {
		if u, ok := rr.(*UnboundRelationship); ok {
			unbound[i] = u
		}
	}

	seq := make([]int64, len(rawSeq))
	for i, v := range rawSeq {
		seq[i] = asInt64(v)
	}

	path := &Path{Nodes: nodes}
	if len(nodes) == 0 {
		return path
	}

	current := nodes[0]
	rels := make([]*Relationship, 0, len(seq)/2)
	for i := 0; i+1 < len(seq); i += 2 {
		relIdx := seq[i]
		nodeIdx := seq[i+1]
		if nodeIdx < 0 || int(nodeIdx) >= len(nodes) {
			continue
		}
		next := nodes[nodeIdx]

		var ub *UnboundRelationship
		forward := relIdx > 0
		idx := relIdx
		if idx < 0 {
			idx = -idx
		}
		idx-- // sequence indices are 1-based
		if idx >= 0 && int(idx) < len(unbound) {
			ub = unbound[idx]
		}
		if ub == nil {
			current = next
			continue
		}

		rel := &Relationship{
			ID:         ub.ID,
			Type:       ub.Type,
			Properties: ub.Properties,
			ElementID:  ub.ElementID,
		}
		if forward {
			rel.StartNodeID, rel.EndNodeID = current.ID, next.ID
		} else {
			rel.StartNodeID, rel.EndNodeID = next.ID, current.ID
		}
		rels = append(rels, rel)
		current = next
	}
	path.Relationships = rels
	return path
}

func asFloat64(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func (r *Registry) decodePoint2D(s *Struct) *Point2D {
	return &Point2D{SRID: asInt64(s.Fields[0]), X: asFloat64(s.Fields[1]), Y: asFloat64(s.Fields[2])}
}

func (r *Registry) decodePoint3D(s *Struct) *Point3D {
	return &Point3D{SRID: asInt64(s.Fields[0]), X: asFloat64(s.Fields[1]), Y: asFloat64(s.Fields[2]), Z: asFloat64(s.Fields[3])}
}

func (r *Registry) decodeDuration(s *Struct) *Duration {
	return &Duration{
		Months:      asInt64(s.Fields[0]),
		Days:        asInt64(s.Fields[1]),
		Seconds:     asInt64(s.Fields[2]),
		Nanoseconds: asInt64(s.Fields[3]),
	}
}

func (r *Registry) decodeDate(s *Struct) time.Time {
	epochDays := asInt64(s.Fields[0])
	return time.Unix(epochDays*86400, 0).UTC()
}

func (r *Registry) decodeLocalTime(s *Struct) time.Duration {
	return time.Duration(asInt64(s.Fields[0]))
}

func (r *Registry) decodeTime(s *Struct) time.Time {
	nanosOfDay := asInt64(s.Fields[0])
	tzOffsetSeconds := asInt64(s.Fields[1])
	loc := time.FixedZone("", int(tzOffsetSeconds))
	return time.Unix(0, nanosOfDay).In(loc)
}

func (r *Registry) decodeLocalDateTime(s *Struct) time.Time {
	seconds := asInt64(s.Fields[0])
	nanos := asInt64(s.Fields[1])
	return time.Unix(seconds, nanos).UTC()
}

// decodeDateTimeOffset reconstructs a DateTime struct carrying a fixed UTC
// offset. Pre-5.0 wires the epoch seconds in the connection's local zone;
// 5.0+ wires them as true UTC. Both are converted to the same time.Time
// representation for callers, since the distinction is purely a wire-format
// negotiation artifact (§4.3), not an observable semantic difference.
func (r *Registry) decodeDateTimeOffset(s *Struct) time.Time {
	seconds := asInt64(s.Fields[0])
	nanos := asInt64(s.Fields[1])
	offsetSeconds := asInt64(s.Fields[2])
	loc := time.FixedZone("", int(offsetSeconds))
	if r.UTCPatch {
		return time.Unix(seconds, nanos).In(loc)
	}
	return time.Unix(seconds-offsetSeconds, nanos).In(loc)
}

func (r *Registry) decodeDateTimeZoneID(s *Struct) time.Time {
	seconds := asInt64(s.Fields[0])
	nanos := asInt64(s.Fields[1])
	zoneID := asString(s.Fields[2])
	loc, err := time.LoadLocation(zoneID)
	if err != nil {
		loc = time.UTC
	}
	if r.UTCPatch {
		return time.Unix(seconds, nanos).In(loc)
	}
	// Legacy wire form has no reliable way to recover the UTC instant
	// without replaying the zone's offset table at the wired local time;
	// treat the wired seconds as already local to loc.
	localEpoch := time.Date(1970, 1, 1, 0, 0, 0, 0, loc).Add(time.Duration(seconds)*time.Second + time.Duration(nanos))
	return localEpoch
}

// EncodeStruct is a convenience constructor used by the protocol layer when
// building request structures whose fields are already packable values.
func EncodeStruct(signature byte, fields ...any) *Struct {
	return &Struct{Signature: signature, Fields: fields}
}

// ValidateParameter rejects graph-value types as request parameters per
// §4.2: Node/Relationship/Path and their kin only ever travel server→client.
func ValidateParameter(v any) error {
	switch v.(type) {
	case *Node, *Relationship, *UnboundRelationship, *Path, Node, Relationship, UnboundRelationship, Path:
		return fmt.Errorf("packstream: graph values are not valid request parameters (%T)", v)
	}
	return nil
}
