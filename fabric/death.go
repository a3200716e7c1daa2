package fabric

import "github.com/capfabric/relay/frame"

// handleMasterDeath marks the master unhealthy, synthesizes an
// ERR(MASTER_DIED) for every routing entry whose destination is that
// master and delivers it toward the recorded source, purges those
// entries, then rebuilds the cap/limit tables.
func (sw *Switch) handleMasterDeath(idx int) {
	sw.mu.Lock()
	rec, ok := sw.masters[idx]
	if !ok || !rec.healthy {
		sw.mu.Unlock()
		return
	}
	rec.healthy = false

	type orphan struct {
		key    routeKey
		rid    string
		xid    frame.ID
		ridID  frame.ID
		source origin
	}
	var orphans []orphan
	for key, entry := range sw.routing {
		if entry.destMaster != idx {
			continue
		}
		orphans = append(orphans, orphan{
			key:    key,
			rid:    key.rid,
			xid:    sw.ridToXID[key.rid],
			ridID:  sw.ridObjects[key.rid],
			source: entry.source,
		})
	}
	for _, o := range orphans {
		delete(sw.routing, o.key)
		delete(sw.ridToXID, o.rid)
		delete(sw.ridObjects, o.rid)
	}
	sw.rebuildCapTableLocked()
	sw.mu.Unlock()

	for _, o := range orphans {
		errFrame := frame.NewErr(o.ridID, "MASTER_DIED", "destination master disconnected")
		errFrame.RoutingID = &o.xid

		if o.source.external {
			sw.deliverToEngine(errFrame)
			continue
		}
		sw.mu.Lock()
		srcRec, ok := sw.masters[o.source.masterIdx]
		sw.mu.Unlock()
		if ok && srcRec.healthy {
			srcRec.outboundSeq.Assign(errFrame)
			_ = srcRec.master.Writer().WriteFrame(errFrame)
		}
	}
}

// deliverToEngine injects a switch-synthesized frame directly into the
// engine-facing channel, bypassing the per-master reader goroutines.
func (sw *Switch) deliverToEngine(f *frame.Frame) {
	select {
	case sw.frameRx <- masterFrame{masterIdx: engineSynthesizedOrigin, frame: f}:
	case <-sw.shutdownC:
	}
}
