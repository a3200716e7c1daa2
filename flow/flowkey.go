// Package flow implements flow identity, per-flow sequence assignment, and
// per-flow reorder buffering.
package flow

import "github.com/capfabric/relay/frame"

// Key is the unit of ordering: a request id plus an optional routing id.
// Presence vs. absence of the routing id yields distinct flows even for
// the same request id.
type Key struct {
	rid    string
	xid    string
	hasXID bool
}

// KeyFromFrame derives a flow key from a frame's id and optional routing id.
func KeyFromFrame(f *frame.Frame) Key {
	k := Key{rid: f.ID.String()}
	if f.RoutingID != nil {
		k.xid = f.RoutingID.String()
		k.hasXID = true
	}
	return k
}

// NewKey builds a flow key directly from a request id and optional routing
// id string (empty, hasXID=false for "no routing id").
func NewKey(rid string, xid string, hasXID bool) Key {
	return Key{rid: rid, xid: xid, hasXID: hasXID}
}
