package fabric

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/capfabric/relay/flow"
	"github.com/capfabric/relay/frame"
	"github.com/capfabric/relay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const thumbnailCap = "cap:in=media:json;out=media:png;op=thumbnail"

// runMockPluginHost simulates a plugin-host process on the far end of conn:
// it advertises manifestCaps via RELAY_NOTIFY, then answers every REQ by
// echoing the accumulated request payload back as a single chunked
// response, under whatever cap it was sent for.
func runMockPluginHost(t *testing.T, conn net.Conn, manifestCaps []string, stop <-chan struct{}) {
	t.Helper()
	limits := frame.DefaultLimits()
	w := frame.NewWriter(conn, limits.MaxFrame, limits.MaxChunk)
	r := frame.NewReader(conn, limits.MaxFrame)
	seq := flow.NewSeqAssigner()

	manifest, err := json.Marshal(manifestCaps)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame.NewRelayNotify(limits, manifest)))

	for {
		select {
		case <-stop:
			return
		default:
		}

		first, err := r.ReadFrame()
		if err != nil {
			return
		}
		if first.FrameType != frame.Req {
			continue
		}
		reqID := first.ID
		xid := first.RoutingID

		next := func() (*frame.Frame, error) { return r.ReadFrame() }
		collected, err := relay.CollectRequest(next)
		if err != nil {
			continue
		}

		assign := func(f *frame.Frame) {
			f.RoutingID = xid
			seq.Assign(f)
		}
		mediaURN := collected.MediaURN
		if mediaURN == "" {
			mediaURN = "media:"
		}
		_ = w.WriteChunkedResponse(reqID, collected.StreamID, mediaURN, collected.Payload, assign)
	}
}

func newVerifiedSwitchWithOneMaster(t *testing.T, extraCaps ...string) (*Switch, net.Conn, func()) {
	t.Helper()
	pluginSide, switchSide := net.Pipe()
	stop := make(chan struct{})

	caps := append([]string{relay.IdentityCapURN}, extraCaps...)
	go runMockPluginHost(t, pluginSide, caps, stop)

	sw, err := NewSwitch([]SocketPair{{Read: switchSide, Write: switchSide}}, frame.DefaultLimits())
	require.NoError(t, err)

	cleanup := func() {
		close(stop)
		sw.Shutdown()
		_ = pluginSide.Close()
		_ = switchSide.Close()
	}
	return sw, pluginSide, cleanup
}

func TestNewSwitchVerifiesIdentityAndLearnsCaps(t *testing.T) {
	sw, _, cleanup := newVerifiedSwitchWithOneMaster(t, thumbnailCap)
	defer cleanup()

	caps, err := sw.Capabilities()
	require.NoError(t, err)
	var gotCaps []string
	require.NoError(t, json.Unmarshal(caps, &gotCaps))
	assert.ElementsMatch(t, []string{relay.IdentityCapURN, thumbnailCap}, gotCaps)
}

func TestSwitchRoutesSingleMasterRequestEndToEnd(t *testing.T) {
	sw, _, cleanup := newVerifiedSwitchWithOneMaster(t, thumbnailCap)
	defer cleanup()

	req := frame.NewReq(frame.NewRandomID(), thumbnailCap, nil, "application/json")
	require.NoError(t, sw.SendToMaster(req, nil))

	start := frame.NewStreamStart(req.ID, "img1", "media:json")
	require.NoError(t, sw.SendToMaster(start, nil))
	chunk := frame.NewChunk(req.ID, "img1", 0, []byte("raw-image-bytes"), 0)
	require.NoError(t, sw.SendToMaster(chunk, nil))
	streamEnd := frame.NewStreamEnd(req.ID, "img1", 1)
	require.NoError(t, sw.SendToMaster(streamEnd, nil))
	end := frame.NewEnd(req.ID, nil)
	require.NoError(t, sw.SendToMaster(end, nil))

	var gotPayload []byte
	for {
		f, err := sw.ReadFromMasters(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, f, "expected a response frame before timeout")
		assert.Nil(t, f.RoutingID, "XID must be stripped for an external-origin response")
		if f.FrameType == frame.Chunk {
			gotPayload = append(gotPayload, f.Payload...)
		}
		if f.FrameType == frame.End {
			break
		}
	}
	assert.Equal(t, "raw-image-bytes", string(gotPayload))
}

func TestSwitchNoHandlerForUnknownCap(t *testing.T) {
	sw, _, cleanup := newVerifiedSwitchWithOneMaster(t)
	defer cleanup()

	req := frame.NewReq(frame.NewRandomID(), "cap:in=media:xml;out=media:xml", nil, "text/xml")
	err := sw.SendToMaster(req, nil)
	require.Error(t, err)
	var se *SwitchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, NoHandler, se.Type)
}

func TestSwitchUnknownRequestContinuation(t *testing.T) {
	sw, _, cleanup := newVerifiedSwitchWithOneMaster(t, thumbnailCap)
	defer cleanup()

	orphanChunk := frame.NewChunk(frame.NewRandomID(), "nope", 0, []byte("x"), 0)
	err := sw.SendToMaster(orphanChunk, nil)
	require.Error(t, err)
	var se *SwitchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, UnknownRequest, se.Type)
}

func TestSwitchMasterDeathSynthesizesErrAndCleansRouting(t *testing.T) {
	sw, pluginSide, cleanup := newVerifiedSwitchWithOneMaster(t, thumbnailCap)
	defer cleanup()

	req := frame.NewReq(frame.NewRandomID(), thumbnailCap, nil, "application/json")
	require.NoError(t, sw.SendToMaster(req, nil))

	// Kill the master mid-flight, before any response arrives.
	_ = pluginSide.Close()

	f, err := sw.ReadFromMasters(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, frame.Err, f.FrameType)
	assert.Equal(t, "MASTER_DIED", f.ErrorCode())

	// A continuation for the now-dead request is unknown: the routing
	// entry was purged by the death cleanup.
	chunk := frame.NewChunk(req.ID, "s", 0, []byte("x"), 0)
	err = sw.SendToMaster(chunk, nil)
	require.Error(t, err)
}

// runMockRelayingHost behaves like runMockPluginHost except that a REQ for
// relayCap is not answered directly: it is forwarded as a fresh peer REQ
// for peerCap over the same connection, and the peer's response is relayed
// back as this host's own answer to the original caller.
func runMockRelayingHost(t *testing.T, conn net.Conn, manifestCaps []string, relayCap, peerCap string, stop <-chan struct{}) {
	t.Helper()
	limits := frame.DefaultLimits()
	w := frame.NewWriter(conn, limits.MaxFrame, limits.MaxChunk)
	r := frame.NewReader(conn, limits.MaxFrame)
	seq := flow.NewSeqAssigner()

	manifest, err := json.Marshal(manifestCaps)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame.NewRelayNotify(limits, manifest)))

	for {
		select {
		case <-stop:
			return
		default:
		}

		first, err := r.ReadFrame()
		if err != nil {
			return
		}
		if first.FrameType != frame.Req {
			continue
		}
		reqID := first.ID
		xid := first.RoutingID
		capURN := ""
		if first.CapURN != nil {
			capURN = *first.CapURN
		}

		next := func() (*frame.Frame, error) { return r.ReadFrame() }
		collected, err := relay.CollectRequest(next)
		if err != nil {
			continue
		}

		if capURN != relayCap {
			assign := func(f *frame.Frame) { f.RoutingID = xid; seq.Assign(f) }
			mediaURN := collected.MediaURN
			if mediaURN == "" {
				mediaURN = "media:"
			}
			_ = w.WriteChunkedResponse(reqID, collected.StreamID, mediaURN, collected.Payload, assign)
			continue
		}

		// Forward as a fresh peer request; the switch assigns the XID.
		peerReqID := frame.NewRandomID()
		peerStream := peerReqID.String()
		peerReq := frame.NewReq(peerReqID, peerCap, nil, "application/octet-stream")
		seq.Assign(peerReq)
		require.NoError(t, w.WriteFrame(peerReq))
		start := frame.NewStreamStart(peerReqID, peerStream, "media:")
		seq.Assign(start)
		require.NoError(t, w.WriteFrame(start))
		chunk := frame.NewChunk(peerReqID, peerStream, 0, collected.Payload, 0)
		seq.Assign(chunk)
		require.NoError(t, w.WriteFrame(chunk))
		streamEnd := frame.NewStreamEnd(peerReqID, peerStream, 1)
		seq.Assign(streamEnd)
		require.NoError(t, w.WriteFrame(streamEnd))
		end := frame.NewEnd(peerReqID, nil)
		seq.Assign(end)
		require.NoError(t, w.WriteFrame(end))

		peerCollected, err := relay.CollectRequest(next)
		if err != nil {
			continue
		}

		assign := func(f *frame.Frame) { f.RoutingID = xid; seq.Assign(f) }
		_ = w.WriteChunkedResponse(reqID, collected.StreamID, "media:", peerCollected.Payload, assign)
	}
}

func TestSwitchRoutesPeerToPeerRequest(t *testing.T) {
	const relayCap = "cap:in=media:json;out=media:png;op=thumbnail"
	const peerCap = "cap:in=media:png;out=media:png;op=optimize"

	relaySide, switchSideA := net.Pipe()
	peerSide, switchSideB := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)

	go runMockRelayingHost(t, relaySide, []string{relay.IdentityCapURN, relayCap}, relayCap, peerCap, stop)
	go runMockPluginHost(t, peerSide, []string{relay.IdentityCapURN, peerCap}, stop)

	sw, err := NewSwitch([]SocketPair{
		{Read: switchSideA, Write: switchSideA},
		{Read: switchSideB, Write: switchSideB},
	}, frame.DefaultLimits())
	require.NoError(t, err)
	defer sw.Shutdown()

	req := frame.NewReq(frame.NewRandomID(), relayCap, nil, "application/json")
	require.NoError(t, sw.SendToMaster(req, nil))
	require.NoError(t, sw.SendToMaster(frame.NewStreamStart(req.ID, "s", "media:json"), nil))
	require.NoError(t, sw.SendToMaster(frame.NewChunk(req.ID, "s", 0, []byte("source-bytes"), 0), nil))
	require.NoError(t, sw.SendToMaster(frame.NewStreamEnd(req.ID, "s", 1), nil))
	require.NoError(t, sw.SendToMaster(frame.NewEnd(req.ID, nil), nil))

	var gotPayload []byte
	for {
		f, err := sw.ReadFromMasters(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, f, "expected a response frame before timeout")
		assert.Nil(t, f.RoutingID)
		if f.FrameType == frame.Chunk {
			gotPayload = append(gotPayload, f.Payload...)
		}
		if f.FrameType == frame.End {
			break
		}
	}
	assert.Equal(t, "source-bytes", string(gotPayload))
}

func TestSwitchPreferredCapOverridesSpecificity(t *testing.T) {
	const genericCap = "cap:in=media:json;out=media:png"
	const specificCap = "cap:in=media:json;out=media:png;op=thumbnail"
	const reqCap = "cap:in=media:json;out=media:png;op=thumbnail"

	genericSide, switchSideA := net.Pipe()
	specificSide, switchSideB := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)

	go runMockPluginHost(t, genericSide, []string{relay.IdentityCapURN, genericCap}, stop)
	go runMockPluginHost(t, specificSide, []string{relay.IdentityCapURN, specificCap}, stop)

	sw, err := NewSwitch([]SocketPair{
		{Read: switchSideA, Write: switchSideA},
		{Read: switchSideB, Write: switchSideB},
	}, frame.DefaultLimits())
	require.NoError(t, err)
	defer sw.Shutdown()

	preferred := genericCap
	// Master 0 serves genericCap; by specificity alone master 1 would win.
	idx, err := sw.findMasterForCap(reqCap, &preferred)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	req := frame.NewReq(frame.NewRandomID(), reqCap, nil, "application/json")
	require.NoError(t, sw.SendToMaster(req, &preferred))
	require.NoError(t, sw.SendToMaster(frame.NewStreamStart(req.ID, "s", "media:json"), nil))
	require.NoError(t, sw.SendToMaster(frame.NewChunk(req.ID, "s", 0, []byte("pick-generic"), 0), nil))
	require.NoError(t, sw.SendToMaster(frame.NewStreamEnd(req.ID, "s", 1), nil))
	require.NoError(t, sw.SendToMaster(frame.NewEnd(req.ID, nil), nil))

	var gotPayload []byte
	for {
		f, err := sw.ReadFromMasters(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, f)
		if f.FrameType == frame.Chunk {
			gotPayload = append(gotPayload, f.Payload...)
		}
		if f.FrameType == frame.End {
			break
		}
	}
	assert.Equal(t, "pick-generic", string(gotPayload))
}

func TestSwitchAllMastersUnhealthyReturnsNilFrame(t *testing.T) {
	sw, pluginSide, cleanup := newVerifiedSwitchWithOneMaster(t)
	defer cleanup()

	_ = pluginSide.Close()

	assert.Eventually(t, func() bool {
		f, err := sw.ReadFromMasters(100 * time.Millisecond)
		return err == nil && f == nil
	}, 2*time.Second, 50*time.Millisecond)
}
