package relay

import (
	"io"
	"sync"

	"github.com/capfabric/relay/flow"
	"github.com/capfabric/relay/frame"
)

// Master is the switch-side peer of a single slave. It blocks on
// construction until the slave's initial RELAY_NOTIFY arrives, then
// delivers ordered, non-control frames one at a time via ReadFrame.
type Master struct {
	reader *frame.Reader
	writer *frame.Writer
	buf    *flow.ReorderBuffer

	mu       sync.Mutex
	manifest []byte
	limits   frame.Limits
	queued   []*frame.Frame
}

// NewMaster reads the slave's initial RELAY_NOTIFY and constructs a Master
// around the negotiated limits.
func NewMaster(r io.Reader, w io.Writer, local frame.Limits) (*Master, error) {
	bootstrapReader := frame.NewReader(r, frame.MaxFrameHardLimit)
	hs, err := frame.AcceptRelayNotify(bootstrapReader, local)
	if err != nil {
		return nil, err
	}

	return &Master{
		reader:   frame.NewReader(r, hs.Limits.MaxFrame),
		writer:   frame.NewWriter(w, hs.Limits.MaxFrame, hs.Limits.MaxChunk),
		buf:      flow.NewReorderBuffer(hs.Limits.MaxReorderBuffer),
		manifest: hs.Manifest,
		limits:   hs.Limits,
	}, nil
}

// Manifest returns the last-known manifest (raw JSON array of cap URN
// strings) for this master.
func (m *Master) Manifest() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest
}

// Limits returns the last-known limits for this master.
func (m *Master) Limits() frame.Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Writer exposes the frame writer toward this master, for callers (the
// switch) that need to send frames directly.
func (m *Master) Writer() *frame.Writer { return m.writer }

// ReadFrame drains frames from the socket, intercepting RELAY_NOTIFY to
// update the stored manifest/limits (never surfacing it to the caller)
// and passing everything else through the reorder buffer. When the buffer
// yields more than one ready frame, the extras are queued and returned on
// subsequent calls.
func (m *Master) ReadFrame() (*frame.Frame, error) {
	m.mu.Lock()
	if len(m.queued) > 0 {
		f := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	for {
		f, err := m.reader.ReadFrame()
		if err != nil {
			return nil, err
		}

		if f.FrameType == frame.RelayNotify {
			if limits, ok := f.LimitsFromMeta(); ok {
				m.mu.Lock()
				m.manifest = f.ManifestFromRelayNotify()
				if m.manifest == nil {
					if v, ok := f.Meta["manifest"].([]byte); ok {
						m.manifest = v
					}
				}
				m.limits = limits
				m.mu.Unlock()
			}
			continue
		}

		ready, err := m.buf.Accept(f)
		if err != nil {
			return nil, err
		}
		if len(ready) == 0 {
			continue
		}
		for _, rf := range ready {
			if isTerminal(rf) {
				m.buf.Cleanup(flow.KeyFromFrame(rf))
			}
		}

		m.mu.Lock()
		m.queued = append(m.queued, ready[1:]...)
		m.mu.Unlock()
		return ready[0], nil
	}
}

// SendState writes a RELAY_STATE frame downstream to the slave.
func (m *Master) SendState(payload []byte) error {
	return m.writer.WriteFrame(frame.NewRelayState(payload))
}
