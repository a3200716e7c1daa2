package frame

import "fmt"

// HandshakeError is a fatal handshake failure's
// HandshakeFailed kind.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string { return "frame: handshake failed: " + e.Message }

// Handshake is the outcome of a successful negotiation: the agreed Limits
// and a manifest (raw JSON array of cap URN strings, not yet parsed into
// capurn.URN values). Initiate and AcceptRelayNotify return the peer's
// manifest; Accept returns the local manifest it sent.
type Handshake struct {
	Limits   Limits
	Manifest []byte
}

// Initiate runs the initiator role of the handshake: send a HELLO carrying local's
// limits, read the responder's HELLO (which must carry a manifest), and
// return the negotiated limits plus the peer's manifest.
func Initiate(r *Reader, w *Writer, local Limits) (*Handshake, error) {
	if err := w.WriteFrame(NewHello(local)); err != nil {
		return nil, fmt.Errorf("frame: initiate handshake: %w", err)
	}

	reply, err := r.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("frame: initiate handshake: %w", err)
	}
	if reply.FrameType != Hello {
		return nil, &HandshakeError{Message: fmt.Sprintf("expected HELLO, got %s", reply.FrameType)}
	}
	peerLimits, ok := reply.LimitsFromMeta()
	if !ok {
		return nil, &HandshakeError{Message: "responder HELLO missing limit keys"}
	}
	manifest, ok := rawBytesMeta(reply, "manifest")
	if !ok {
		return nil, &HandshakeError{Message: "responder HELLO missing manifest"}
	}

	return &Handshake{Limits: Negotiate(local, peerLimits), Manifest: manifest}, nil
}

// Accept runs the responder role of the handshake: read the initiator's HELLO,
// reply with a HELLO carrying local's limits and manifest, and return the
// negotiated limits.
func Accept(r *Reader, w *Writer, local Limits, manifest []byte) (*Handshake, error) {
	initial, err := r.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("frame: accept handshake: %w", err)
	}
	if initial.FrameType != Hello {
		return nil, &HandshakeError{Message: fmt.Sprintf("expected HELLO, got %s", initial.FrameType)}
	}
	peerLimits, ok := initial.LimitsFromMeta()
	if !ok {
		return nil, &HandshakeError{Message: "initiator HELLO missing limit keys"}
	}

	if err := w.WriteFrame(NewHelloWithManifest(local, manifest)); err != nil {
		return nil, fmt.Errorf("frame: accept handshake: %w", err)
	}

	return &Handshake{Limits: Negotiate(local, peerLimits), Manifest: manifest}, nil
}

// AcceptRelayNotify runs the switch variant of the responder role: the
// first frame from a newly attached master is RELAY_NOTIFY rather than
// HELLO, but it carries the same limit keys and a manifest.
func AcceptRelayNotify(r *Reader, local Limits) (*Handshake, error) {
	initial, err := r.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("frame: accept relay_notify: %w", err)
	}
	if initial.FrameType != RelayNotify {
		return nil, &HandshakeError{Message: fmt.Sprintf("expected RELAY_NOTIFY, got %s", initial.FrameType)}
	}
	peerLimits, ok := initial.LimitsFromMeta()
	if !ok {
		return nil, &HandshakeError{Message: "master RELAY_NOTIFY missing limit keys"}
	}
	manifest, ok := rawBytesMeta(initial, "manifest")
	if !ok {
		return nil, &HandshakeError{Message: "master RELAY_NOTIFY missing manifest"}
	}

	return &Handshake{Limits: Negotiate(local, peerLimits), Manifest: manifest}, nil
}

func rawBytesMeta(f *Frame, key string) ([]byte, bool) {
	if f.Meta == nil {
		return nil, false
	}
	switch v := f.Meta[key].(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
