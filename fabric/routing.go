package fabric

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/capfabric/relay/capurn"
	"github.com/capfabric/relay/frame"
)

// findMasterForCap implements the routing algorithm: candidates are
// registered caps the request URN accepts (broadened to acceptance in either
// direction when a preferred_cap is supplied), preferred candidates win outright, otherwise
// the candidate whose specificity is closest to the request's wins, ties
// broken by first encountered.
func (sw *Switch) findMasterForCap(capURN string, preferredCap *string) (int, error) {
	reqURN, err := capurn.Parse(capURN)
	if err != nil {
		return 0, &SwitchError{Type: ProtocolError, Message: "bad cap urn: " + err.Error()}
	}
	var preferredURN *capurn.URN
	if preferredCap != nil {
		if p, err := capurn.Parse(*preferredCap); err == nil {
			preferredURN = p
		}
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	type candidate struct {
		idx       int
		urn       *capurn.URN
		preferred bool
	}
	var candidates []candidate
	for _, entry := range sw.capTable {
		rec, ok := sw.masters[entry.masterIdx]
		if !ok || !rec.healthy {
			continue
		}
		accept := reqURN.Accepts(entry.urn)
		preferred := false
		if preferredURN != nil {
			if !accept {
				accept = entry.urn.Accepts(reqURN)
			}
			if accept && entry.urn.Equivalent(preferredURN) {
				preferred = true
			}
		}
		if !accept {
			continue
		}
		candidates = append(candidates, candidate{entry.masterIdx, entry.urn, preferred})
	}

	if len(candidates) == 0 {
		return 0, &SwitchError{Type: NoHandler, Message: capURN}
	}
	for _, c := range candidates {
		if c.preferred {
			return c.idx, nil
		}
	}

	reqSpec := reqURN.Specificity()
	best := candidates[0]
	bestDiff := absInt(candidates[0].urn.Specificity() - reqSpec)
	for _, c := range candidates[1:] {
		diff := absInt(c.urn.Specificity() - reqSpec)
		if diff < bestDiff {
			best, bestDiff = c, diff
		}
	}
	return best.idx, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// SendToMaster is the engine-facing send path. For a
// REQ, it assigns an XID (if absent), resolves the destination by cap
// routing, and records origin as external. For a continuation, it looks
// up the XID by RID and stamps it onto the frame before forwarding.
func (sw *Switch) SendToMaster(f *frame.Frame, preferredCap *string) error {
	if f.FrameType == frame.Req {
		return sw.sendNewRequest(f, preferredCap)
	}
	return sw.sendContinuation(f)
}

func (sw *Switch) sendNewRequest(f *frame.Frame, preferredCap *string) error {
	if f.CapURN == nil {
		return &SwitchError{Type: ProtocolError, Message: "REQ missing cap urn"}
	}
	destIdx, err := sw.findMasterForCap(*f.CapURN, preferredCap)
	if err != nil {
		return err
	}

	xid := f.RoutingID
	if xid == nil {
		x := sw.nextXID()
		xid = &x
	}
	f.RoutingID = xid

	sw.mu.Lock()
	rec, ok := sw.masters[destIdx]
	if !ok || !rec.healthy {
		sw.mu.Unlock()
		return &SwitchError{Type: NoHandler, Message: *f.CapURN}
	}
	key := routeKey{xid: xid.String(), rid: f.ID.String()}
	sw.routing[key] = routeEntry{source: origin{external: true}, destMaster: destIdx}
	sw.ridToXID[f.ID.String()] = *xid
	sw.ridObjects[f.ID.String()] = f.ID
	sw.mu.Unlock()

	rec.outboundSeq.Assign(f)
	return rec.master.Writer().WriteFrame(f)
}

func (sw *Switch) sendContinuation(f *frame.Frame) error {
	ridStr := f.ID.String()

	sw.mu.Lock()
	xid, ok := sw.ridToXID[ridStr]
	if !ok {
		sw.mu.Unlock()
		return &SwitchError{Type: UnknownRequest, Message: ridStr}
	}
	key := routeKey{xid: xid.String(), rid: ridStr}
	entry, ok := sw.routing[key]
	if !ok {
		sw.mu.Unlock()
		return &SwitchError{Type: UnknownRequest, Message: ridStr}
	}
	rec, ok := sw.masters[entry.destMaster]
	sw.mu.Unlock()

	if !ok || !rec.healthy {
		return &SwitchError{Type: NoHandler, Message: ridStr}
	}

	f.RoutingID = &xid
	rec.outboundSeq.Assign(f)
	return rec.master.Writer().WriteFrame(f)
}

func isTerminal(f *frame.Frame) bool {
	return f.FrameType == frame.End || f.FrameType == frame.Err
}

// ReadFromMasters delivers the next response frame destined for the
// engine. Peer-to-peer frames are routed internally
// and never surfaced here. Returns (nil, nil) if timeout elapses with no
// frame ready, or if all masters are unhealthy. timeout <= 0 blocks
// indefinitely.
func (sw *Switch) ReadFromMasters(timeout time.Duration) (*frame.Frame, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if f, err, ok := sw.drainOne(); ok {
			if err != nil {
				return nil, err
			}
			if f != nil {
				return f, nil
			}
			continue
		}

		if sw.allUnhealthy() {
			// handleMasterDeath marks a master unhealthy and only then
			// enqueues its synthesized MASTER_DIED frame; re-drain once
			// more so that frame isn't dropped if it lands in the gap
			// between the non-blocking drain above and this check.
			if f, err, ok := sw.drainOne(); ok {
				if err != nil {
					return nil, err
				}
				if f != nil {
					return f, nil
				}
				continue
			}
			return nil, nil
		}

		select {
		case mf := <-sw.frameRx:
			out, err := sw.dispatch(mf)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
			// Routed internally; keep waiting for an engine-bound frame.
		case <-deadline:
			return nil, nil
		case <-sw.shutdownC:
			return nil, nil
		}
	}
}

// drainOne attempts a single non-blocking receive from frameRx, dispatching
// it if present. ok is false when no frame was queued.
func (sw *Switch) drainOne() (f *frame.Frame, err error, ok bool) {
	select {
	case mf := <-sw.frameRx:
		f, err = sw.dispatch(mf)
		return f, err, true
	default:
		return nil, nil, false
	}
}

// dispatch routes one frame received from a master. It returns a non-nil
// frame when it should be surfaced to the engine caller; otherwise it has
// been fully handled internally (forwarded to a peer, or was a new peer
// request dispatched to its handler).
func (sw *Switch) dispatch(mf masterFrame) (*frame.Frame, error) {
	f := mf.frame

	if mf.masterIdx == engineSynthesizedOrigin {
		// Already resolved as destined for the engine caller (e.g. a
		// synthesized MASTER_DIED frame); the routing entry that would
		// normally confirm this has already been purged.
		f.RoutingID = nil
		return f, nil
	}

	if f.RoutingID != nil {
		return sw.dispatchResponse(f)
	}
	if f.FrameType == frame.Req {
		sw.dispatchPeerRequest(mf.masterIdx, f)
		return nil, nil
	}
	sw.dispatchPeerContinuation(mf.masterIdx, f)
	return nil, nil
}

func (sw *Switch) dispatchResponse(f *frame.Frame) (*frame.Frame, error) {
	xidStr := f.RoutingID.String()
	ridStr := f.ID.String()
	key := routeKey{xid: xidStr, rid: ridStr}

	sw.mu.Lock()
	entry, ok := sw.routing[key]
	if !ok {
		sw.mu.Unlock()
		// No matching in-flight request: already cleaned up (e.g. by a
		// master-death purge) or a stray frame. Dropped rather than
		// surfaced as an error since there is no source left to report
		// it to.
		return nil, nil
	}
	if isTerminal(f) {
		delete(sw.routing, key)
		delete(sw.ridToXID, ridStr)
		delete(sw.ridObjects, ridStr)
	}
	sw.mu.Unlock()

	if entry.source.external {
		f.RoutingID = nil
		return f, nil
	}

	sw.mu.Lock()
	rec, ok := sw.masters[entry.source.masterIdx]
	sw.mu.Unlock()
	if ok && rec.healthy {
		rec.outboundSeq.Assign(f)
		_ = rec.master.Writer().WriteFrame(f)
	}
	return nil, nil
}

func (sw *Switch) dispatchPeerRequest(originIdx int, f *frame.Frame) {
	if f.CapURN == nil {
		return
	}
	destIdx, err := sw.findMasterForCap(*f.CapURN, nil)
	if err != nil {
		sw.sendErrToMaster(originIdx, f.ID, "NO_HANDLER", err.Error())
		return
	}

	xid := sw.nextXID()
	f.RoutingID = &xid

	sw.mu.Lock()
	rec, ok := sw.masters[destIdx]
	if !ok || !rec.healthy {
		sw.mu.Unlock()
		sw.sendErrToMaster(originIdx, f.ID, "NO_HANDLER", "destination master unhealthy")
		return
	}
	key := routeKey{xid: xid.String(), rid: f.ID.String()}
	sw.routing[key] = routeEntry{source: origin{masterIdx: originIdx}, destMaster: destIdx}
	sw.ridToXID[f.ID.String()] = xid
	sw.ridObjects[f.ID.String()] = f.ID
	sw.mu.Unlock()

	rec.outboundSeq.Assign(f)
	_ = rec.master.Writer().WriteFrame(f)
}

func (sw *Switch) dispatchPeerContinuation(originIdx int, f *frame.Frame) {
	ridStr := f.ID.String()

	sw.mu.Lock()
	xid, ok := sw.ridToXID[ridStr]
	if !ok {
		sw.mu.Unlock()
		sw.sendErrToMaster(originIdx, f.ID, "UNKNOWN_REQUEST", ridStr)
		return
	}
	key := routeKey{xid: xid.String(), rid: ridStr}
	entry, ok := sw.routing[key]
	if !ok {
		sw.mu.Unlock()
		sw.sendErrToMaster(originIdx, f.ID, "UNKNOWN_REQUEST", ridStr)
		return
	}
	rec, ok := sw.masters[entry.destMaster]
	sw.mu.Unlock()

	if !ok || !rec.healthy {
		sw.sendErrToMaster(originIdx, f.ID, "NO_HANDLER", ridStr)
		return
	}

	f.RoutingID = &xid
	rec.outboundSeq.Assign(f)
	_ = rec.master.Writer().WriteFrame(f)
}

func (sw *Switch) sendErrToMaster(masterIdx int, id frame.ID, code, message string) {
	sw.mu.Lock()
	rec, ok := sw.masters[masterIdx]
	sw.mu.Unlock()
	if !ok || !rec.healthy {
		return
	}
	errFrame := frame.NewErr(id, code, message)
	rec.outboundSeq.Assign(errFrame)
	_ = rec.master.Writer().WriteFrame(errFrame)
}

func (sw *Switch) allUnhealthy() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.masters) == 0 {
		return false
	}
	for _, rec := range sw.masters {
		if rec.healthy {
			return false
		}
	}
	return true
}

// Capabilities returns a sorted, JSON-array-encoded union of all healthy
// masters' cap URNs.
func (sw *Switch) Capabilities() ([]byte, error) {
	sw.mu.Lock()
	seen := make(map[string]bool)
	var all []string
	for _, rec := range sw.masters {
		if !rec.healthy {
			continue
		}
		for _, c := range rec.caps {
			s := c.String()
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	sw.mu.Unlock()

	sort.Strings(all)
	return json.Marshal(all)
}

// Limits returns the component-wise minimum of all healthy masters'
// negotiated limits.
func (sw *Switch) Limits() frame.Limits {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	result := frame.DefaultLimits()
	first := true
	for _, rec := range sw.masters {
		if !rec.healthy {
			continue
		}
		l := rec.master.Limits()
		if first {
			result = l
			first = false
			continue
		}
		result = frame.Negotiate(result, l)
	}
	return result
}

// RemoveMaster explicitly removes a master, running the identical cleanup
// path a detected death would: cap table rebuild, routing-entry purge,
// and synthesized MASTER_DIED frames toward every in-flight request's
// source.
func (sw *Switch) RemoveMaster(idx int) {
	sw.handleMasterDeath(idx)
}

// Shutdown signals reader goroutines to stop; subsequent ReadFromMasters
// calls return (nil, nil).
func (sw *Switch) Shutdown() {
	sw.closeOnce.Do(func() {
		close(sw.shutdownC)
	})
}
