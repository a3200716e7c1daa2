package relay

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/capfabric/relay/flow"
	"github.com/capfabric/relay/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlaveForwardsRequestAndResponse(t *testing.T) {
	localPluginR, localPluginW := net.Pipe() // slave's local side <-> fake plugin host
	sockSlaveSide, sockMasterSide := net.Pipe()

	limits := frame.DefaultLimits()
	slave := NewSlave(localPluginR, localPluginR, sockSlaveSide, sockSlaveSide, limits)

	done := make(chan error, 1)
	go func() { done <- slave.Run([]byte(`["cap:in=media:;out=media:"]`)) }()

	masterSideReader := frame.NewReader(sockMasterSide, limits.MaxFrame)
	masterSideWriter := frame.NewWriter(sockMasterSide, limits.MaxFrame, limits.MaxChunk)

	notify, err := masterSideReader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.RelayNotify, notify.FrameType)

	// Fake plugin host: read REQ from local side, respond with an END
	// carrying the reply payload.
	pluginHostReader := frame.NewReader(localPluginW, limits.MaxFrame)
	pluginHostWriter := frame.NewWriter(localPluginW, limits.MaxFrame, limits.MaxChunk)

	reqID := frame.NewRandomID()
	seq := flow.NewSeqAssigner()
	req := frame.NewReq(reqID, "cap:in=media:;out=media:", []byte("ping"), "application/octet-stream")
	seq.Assign(req)
	require.NoError(t, masterSideWriter.WriteFrame(req))

	gotReq, err := pluginHostReader.ReadFrame()
	require.NoError(t, err)
	assert.True(t, gotReq.ID.Equal(reqID))

	endSeq := flow.NewSeqAssigner()
	end := frame.NewEnd(reqID, []byte("pong"))
	endSeq.Assign(end)
	require.NoError(t, pluginHostWriter.WriteFrame(end))

	gotEnd, err := masterSideReader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.End, gotEnd.FrameType)
	assert.Equal(t, "pong", string(gotEnd.Payload))

	_ = localPluginR.Close()
	_ = sockMasterSide.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slave.Run did not return after pipes closed")
	}
}

func TestSlaveStoresRelayStateAndDropsRelayNotifyDownstream(t *testing.T) {
	localPluginR, localPluginW := net.Pipe()
	sockSlaveSide, sockMasterSide := net.Pipe()

	limits := frame.DefaultLimits()
	defer localPluginW.Close()
	slave := NewSlave(localPluginR, localPluginR, sockSlaveSide, sockSlaveSide, limits)

	done := make(chan error, 1)
	go func() { done <- slave.Run(nil) }()

	// Nothing reads the plugin host's end (localPluginW), so a RELAY_NOTIFY
	// forwarded downstream would block the pump and the state never lands.
	masterSideWriter := frame.NewWriter(sockMasterSide, limits.MaxFrame, limits.MaxChunk)
	require.NoError(t, masterSideWriter.WriteFrame(frame.NewRelayNotify(limits, []byte(`[]`))))
	require.NoError(t, masterSideWriter.WriteFrame(frame.NewRelayState([]byte("state-blob"))))

	assert.Eventually(t, func() bool {
		return string(slave.ResourceState()) == "state-blob"
	}, time.Second, 5*time.Millisecond)

	_ = localPluginR.Close()
	_ = sockMasterSide.Close()
	<-done
}

func TestMasterBootstrapsFromRelayNotifyAndDeliversFrames(t *testing.T) {
	slaveSide, masterSide := net.Pipe()

	manifest, err := json.Marshal([]string{IdentityCapURN})
	require.NoError(t, err)
	local := frame.DefaultLimits()

	go func() {
		w := frame.NewWriter(slaveSide, frame.MaxFrameHardLimit, frame.DefaultMaxChunk)
		_ = w.WriteFrame(frame.NewRelayNotify(local, manifest))

		seq := flow.NewSeqAssigner()
		end := frame.NewEnd(frame.Uint(42), []byte("done"))
		seq.Assign(end)
		_ = w.WriteFrame(end)
	}()

	master, err := NewMaster(masterSide, masterSide, local)
	require.NoError(t, err)

	var gotManifest []string
	require.NoError(t, json.Unmarshal(master.Manifest(), &gotManifest))
	assert.Equal(t, []string{IdentityCapURN}, gotManifest)

	f, err := master.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.End, f.FrameType)
	assert.Equal(t, "done", string(f.Payload))
}

func TestEchoIdentityHandlerRoundTrips(t *testing.T) {
	var frames []*frame.Frame
	reqID := frame.NewRandomID()
	seq := flow.NewSeqAssigner()

	frames = append(frames, frame.NewStreamStart(reqID, "s1", "media:json"))
	chunk := frame.NewChunk(reqID, "s1", 0, []byte("hello identity"), 0)
	frames = append(frames, chunk)
	frames = append(frames, frame.NewStreamEnd(reqID, "s1", 1))
	frames = append(frames, frame.NewEnd(reqID, nil))

	i := 0
	next := func() (*frame.Frame, error) {
		f := frames[i]
		i++
		return f, nil
	}

	req, err := CollectRequest(next)
	require.NoError(t, err)
	assert.Equal(t, "hello identity", string(req.Payload))
	assert.Equal(t, "media:json", req.MediaURN)

	var buf netBuf
	w := frame.NewWriter(&buf, frame.DefaultMaxFrame, frame.DefaultMaxChunk)
	assign := func(f *frame.Frame) { seq.Assign(f) }
	require.NoError(t, EchoIdentityHandler(w, assign, reqID, req))

	r := frame.NewReader(&buf, frame.DefaultMaxFrame)
	var got []byte
	for {
		f, err := r.ReadFrame()
		if err != nil {
			break
		}
		if f.FrameType == frame.Chunk {
			got = append(got, f.Payload...)
		}
	}
	assert.Equal(t, "hello identity", string(got))
}

// netBuf is a minimal in-memory io.ReadWriter usable where bytes.Buffer's
// semantics (shared read/write cursor) are sufficient.
type netBuf struct {
	data []byte
	off  int
}

func (b *netBuf) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *netBuf) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}
