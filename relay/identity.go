package relay

import (
	"fmt"

	"github.com/capfabric/relay/frame"
)

// IdentityCapURN is the fabric-reserved capability every plugin-host
// manifest must contain a cap conforming to.
const IdentityCapURN = "cap:in=media:;out=media:"

// CollectedRequest is the accumulated body of a REQ's stream: every CHUNK
// payload concatenated in order, plus the stream metadata carried by
// STREAM_START.
type CollectedRequest struct {
	StreamID string
	MediaURN string
	Payload  []byte
}

// CollectRequest drains frames from next until the request's terminal END
// frame, verifying each CHUNK's checksum and concatenating payloads. next
// should already be yielding frames in sequence order (i.e. the caller's
// reorder buffer has already run).
func CollectRequest(next func() (*frame.Frame, error)) (*CollectedRequest, error) {
	req := &CollectedRequest{}
	for {
		f, err := next()
		if err != nil {
			return nil, err
		}
		switch f.FrameType {
		case frame.StreamStart:
			if f.StreamID != nil {
				req.StreamID = *f.StreamID
			}
			if f.MediaURN != nil {
				req.MediaURN = *f.MediaURN
			}
		case frame.Chunk:
			if err := frame.VerifyChunkChecksum(f); err != nil {
				return nil, err
			}
			req.Payload = append(req.Payload, f.Payload...)
		case frame.StreamEnd:
			// Nothing to do; the chunk count is implicit in how many
			// CHUNK frames were already accumulated above.
		case frame.Err:
			return nil, fmt.Errorf("relay: request failed: %s", f.ErrorMessage())
		case frame.End:
			return req, nil
		}
	}
}

// EchoIdentityHandler is the reference implementation of the identity
// capability: it echoes the request's accumulated payload back as a
// single response stream, under the same stream id and media URN the
// request carried.
func EchoIdentityHandler(w *frame.Writer, assignSeq func(*frame.Frame), reqID frame.ID, req *CollectedRequest) error {
	mediaURN := req.MediaURN
	if mediaURN == "" {
		mediaURN = "media:"
	}
	return w.WriteChunkedResponse(reqID, req.StreamID, mediaURN, req.Payload, assignSeq)
}
