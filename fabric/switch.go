// Package fabric implements the multi-master relay switch: cap-aware
// request routing, origin tracking across engine and peer masters, XID
// lifecycle, identity verification of newly attached masters, and master
// death cleanup.
package fabric

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/capfabric/relay/capurn"
	"github.com/capfabric/relay/flow"
	"github.com/capfabric/relay/frame"
	"github.com/capfabric/relay/relay"
)

// SwitchErrorType discriminates switch-level failures.
type SwitchErrorType int

const (
	ProtocolError SwitchErrorType = iota
	NoHandler
	UnknownRequest
	AllMastersUnhealthy
)

// SwitchError reports a switch-level failure.
type SwitchError struct {
	Type    SwitchErrorType
	Message string
}

func (e *SwitchError) Error() string {
	switch e.Type {
	case NoHandler:
		return "fabric: no handler for cap: " + e.Message
	case UnknownRequest:
		return "fabric: unknown request: " + e.Message
	case AllMastersUnhealthy:
		return "fabric: all masters unhealthy"
	default:
		return "fabric: protocol error: " + e.Message
	}
}

// SocketPair is one master's bidirectional byte pipe.
type SocketPair struct {
	Read  io.Reader
	Write io.Writer
}

var identityPattern = capurn.MustParse(relay.IdentityCapURN)

type origin struct {
	external  bool
	masterIdx int
}

type routeKey struct {
	xid string
	rid string
}

type routeEntry struct {
	source     origin
	destMaster int
}

type masterRecord struct {
	idx         int
	master      *relay.Master
	outboundSeq *flow.SeqAssigner
	caps        []*capurn.URN
	healthy     bool
}

type masterFrame struct {
	masterIdx int
	frame     *frame.Frame
}

// engineSynthesizedOrigin marks a frame the switch produced itself (not
// read from any master) that is already known to be destined for the
// engine caller.
const engineSynthesizedOrigin = -1

// Switch aggregates many masters, routes REQ flows by capability URN, and
// tracks per-request origin so responses return to the right caller.
type Switch struct {
	mu          sync.Mutex
	localLimits frame.Limits
	masters     map[int]*masterRecord
	nextIdx     int
	capTable    []capTableEntry
	routing     map[routeKey]routeEntry
	ridToXID    map[string]frame.ID
	ridObjects  map[string]frame.ID
	xidCounter  uint64

	frameRx   chan masterFrame
	shutdownC chan struct{}
	closeOnce sync.Once
}

type capTableEntry struct {
	urn       *capurn.URN
	masterIdx int
}

// NewSwitch runs the two-phase construction over the given socket pairs:
// for each, read its initial RELAY_NOTIFY, verify its
// identity with a nonce-echo request, then spawn a reader goroutine and
// build the initial cap/limit tables. An empty pairs list is legal.
func NewSwitch(pairs []SocketPair, localLimits frame.Limits) (*Switch, error) {
	sw := &Switch{
		localLimits: localLimits,
		masters:     make(map[int]*masterRecord),
		routing:     make(map[routeKey]routeEntry),
		ridToXID:    make(map[string]frame.ID),
		ridObjects:  make(map[string]frame.ID),
		frameRx:     make(chan masterFrame, 256),
		shutdownC:   make(chan struct{}),
	}

	for _, pair := range pairs {
		if _, err := sw.attachMaster(pair); err != nil {
			return nil, err
		}
	}

	return sw, nil
}

// AddMaster repeats the two-phase construction for one master and returns
// its new index.
func (sw *Switch) AddMaster(pair SocketPair) (int, error) {
	return sw.attachMaster(pair)
}

func (sw *Switch) attachMaster(pair SocketPair) (int, error) {
	m, err := relay.NewMaster(pair.Read, pair.Write, sw.localLimits)
	if err != nil {
		return 0, err
	}

	sw.mu.Lock()
	idx := sw.nextIdx
	sw.nextIdx++
	rec := &masterRecord{idx: idx, master: m, outboundSeq: flow.NewSeqAssigner(), healthy: true}
	sw.masters[idx] = rec
	sw.mu.Unlock()

	if err := sw.verifyIdentity(rec); err != nil {
		sw.mu.Lock()
		delete(sw.masters, idx)
		sw.mu.Unlock()
		return 0, err
	}

	if err := sw.refreshCapsLocked(rec); err != nil {
		sw.mu.Lock()
		delete(sw.masters, idx)
		sw.mu.Unlock()
		return 0, err
	}

	sw.mu.Lock()
	sw.rebuildCapTableLocked()
	sw.mu.Unlock()

	go sw.readLoop(rec)

	return idx, nil
}

// verifyIdentity sends REQ + STREAM_START + CHUNK(nonce) + STREAM_END + END
// for the mandatory identity capability and checks the echoed payload
// equals the nonce.
func (sw *Switch) verifyIdentity(rec *masterRecord) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("fabric: generating identity nonce: %w", err)
	}

	xid := sw.nextXID()
	reqID := frame.NewRandomID()
	streamID := reqID.String()

	req := frame.NewReq(reqID, relay.IdentityCapURN, nil, "application/octet-stream")
	req.RoutingID = &xid
	rec.outboundSeq.Assign(req)
	if err := rec.master.Writer().WriteFrame(req); err != nil {
		return fmt.Errorf("fabric: identity verification write REQ: %w", err)
	}

	start := frame.NewStreamStart(reqID, streamID, "media:")
	start.RoutingID = &xid
	rec.outboundSeq.Assign(start)
	if err := rec.master.Writer().WriteFrame(start); err != nil {
		return err
	}

	chunk := frame.NewChunk(reqID, streamID, 0, nonce, 0)
	chunk.RoutingID = &xid
	rec.outboundSeq.Assign(chunk)
	if err := rec.master.Writer().WriteFrame(chunk); err != nil {
		return err
	}

	streamEnd := frame.NewStreamEnd(reqID, streamID, 1)
	streamEnd.RoutingID = &xid
	rec.outboundSeq.Assign(streamEnd)
	if err := rec.master.Writer().WriteFrame(streamEnd); err != nil {
		return err
	}

	end := frame.NewEnd(reqID, nil)
	end.RoutingID = &xid
	rec.outboundSeq.Assign(end)
	if err := rec.master.Writer().WriteFrame(end); err != nil {
		return err
	}

	var echoed []byte
	sawStreamStart, sawStreamEnd, sawEnd := false, false, false
	for !sawEnd {
		f, err := rec.master.ReadFrame()
		if err != nil {
			return fmt.Errorf("fabric: identity verification read: %w", err)
		}
		switch f.FrameType {
		case frame.StreamStart:
			sawStreamStart = true
		case frame.Chunk:
			if err := frame.VerifyChunkChecksum(f); err != nil {
				return &SwitchError{Type: ProtocolError, Message: "identity verification chunk checksum: " + err.Error()}
			}
			echoed = append(echoed, f.Payload...)
		case frame.StreamEnd:
			sawStreamEnd = true
		case frame.End:
			sawEnd = true
		case frame.Err:
			return &SwitchError{Type: ProtocolError, Message: "identity verification failed: " + f.ErrorMessage()}
		default:
			return &SwitchError{Type: ProtocolError, Message: fmt.Sprintf("unexpected frame type %s during identity verification", f.FrameType)}
		}
	}

	if !sawStreamStart || !sawStreamEnd {
		return &SwitchError{Type: ProtocolError, Message: "identity verification: incomplete echo stream"}
	}
	if string(echoed) != string(nonce) {
		return &SwitchError{Type: ProtocolError, Message: "identity verification: echoed payload does not match nonce"}
	}
	return nil
}

// refreshCapsLocked parses rec's current manifest into cap URNs and checks
// the mandatory identity capability is present.
func (sw *Switch) refreshCapsLocked(rec *masterRecord) error {
	manifestCaps, err := frame.ValidateManifestShape(rec.master.Manifest())
	if err != nil {
		return &SwitchError{Type: ProtocolError, Message: "manifest: " + err.Error()}
	}

	parsed := make([]*capurn.URN, 0, len(manifestCaps))
	hasIdentity := false
	for _, c := range manifestCaps {
		u, err := capurn.Parse(c)
		if err != nil {
			return &SwitchError{Type: ProtocolError, Message: "manifest cap: " + err.Error()}
		}
		parsed = append(parsed, u)
		if identityPattern.Accepts(u) {
			hasIdentity = true
		}
	}
	if !hasIdentity {
		return &SwitchError{Type: ProtocolError, Message: "manifest missing identity capability"}
	}

	sw.mu.Lock()
	rec.caps = parsed
	sw.mu.Unlock()
	return nil
}

func (sw *Switch) rebuildCapTableLocked() {
	table := make([]capTableEntry, 0)
	for _, rec := range sw.masters {
		if !rec.healthy {
			continue
		}
		for _, c := range rec.caps {
			table = append(table, capTableEntry{urn: c, masterIdx: rec.idx})
		}
	}
	sw.capTable = table
}

func (sw *Switch) nextXID() frame.ID {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	v := sw.xidCounter
	sw.xidCounter++
	return frame.Uint(v)
}

func (sw *Switch) readLoop(rec *masterRecord) {
	for {
		select {
		case <-sw.shutdownC:
			return
		default:
		}
		f, err := rec.master.ReadFrame()
		if err != nil {
			sw.handleMasterDeath(rec.idx)
			return
		}
		select {
		case sw.frameRx <- masterFrame{masterIdx: rec.idx, frame: f}:
		case <-sw.shutdownC:
			return
		}
	}
}
