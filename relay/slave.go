// Package relay implements the slave and master relay endpoints: the slave
// bridges a local plugin-host byte channel to a master-facing socket; the
// master is the switch-side peer of one slave.
package relay

import (
	"fmt"
	"io"
	"sync"

	"github.com/capfabric/relay/flow"
	"github.com/capfabric/relay/frame"
)

// EndpointError reports a relay endpoint failure.
type EndpointError struct {
	Message string
}

func (e *EndpointError) Error() string { return "relay: " + e.Message }

// Slave bridges a local reader/writer pair (facing the in-process plugin
// host) to a socket reader/writer pair (facing the master). It runs two
// independent forwarding pumps, each owning its own reorder buffer.
type Slave struct {
	localReader io.Reader
	localWriter io.Writer
	sockReader  io.Reader
	sockWriter  io.Writer
	limits      frame.Limits

	socketToLocalBuf *flow.ReorderBuffer
	localToSocketBuf *flow.ReorderBuffer

	stateMu sync.Mutex
	state   []byte
}

// NewSlave constructs a slave endpoint over the given byte-pipe pairs.
func NewSlave(localReader io.Reader, localWriter io.Writer, sockReader io.Reader, sockWriter io.Writer, limits frame.Limits) *Slave {
	return &Slave{
		localReader:      localReader,
		localWriter:      localWriter,
		sockReader:       sockReader,
		sockWriter:       sockWriter,
		limits:           limits,
		socketToLocalBuf: flow.NewReorderBuffer(limits.MaxReorderBuffer),
		localToSocketBuf: flow.NewReorderBuffer(limits.MaxReorderBuffer),
	}
}

// ResourceState returns the most recently received RELAY_STATE payload, or
// nil if none has arrived yet.
func (s *Slave) ResourceState() []byte {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Slave) setState(payload []byte) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = payload
}

// Run emits an initial RELAY_NOTIFY over the socket (if manifest is
// non-nil) and then runs both forwarding pumps, returning once both have
// exited. It returns the first error observed in either direction, or nil
// on clean shutdown.
func (s *Slave) Run(manifest []byte) error {
	sockWriter := frame.NewWriter(s.sockWriter, s.limits.MaxFrame, s.limits.MaxChunk)
	sockReader := frame.NewReader(s.sockReader, s.limits.MaxFrame)
	localWriter := frame.NewWriter(s.localWriter, s.limits.MaxFrame, s.limits.MaxChunk)
	localReader := frame.NewReader(s.localReader, s.limits.MaxFrame)

	if manifest != nil {
		if err := sockWriter.WriteFrame(frame.NewRelayNotify(s.limits, manifest)); err != nil {
			return fmt.Errorf("relay: slave initial RELAY_NOTIFY: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.socketToLocal(sockReader, localWriter)
	}()
	go func() {
		errCh <- s.localToSocket(localReader, sockWriter)
	}()

	first := <-errCh
	second := <-errCh
	if first != nil {
		return first
	}
	return second
}

func (s *Slave) socketToLocal(sockReader *frame.Reader, localWriter *frame.Writer) (retErr error) {
	defer closeIfCloser(s.localWriter)

	for {
		f, err := sockReader.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay: slave socket->local read: %w", err)
		}

		if f.FrameType == frame.RelayState {
			s.setState(f.Payload)
			continue
		}
		if f.FrameType == frame.RelayNotify {
			// A master should never send RELAY_NOTIFY downstream; this
			// violates direction policy and is dropped silently.
			continue
		}

		ready, err := s.socketToLocalBuf.Accept(f)
		if err != nil {
			return err
		}
		for _, rf := range ready {
			if err := localWriter.WriteFrame(rf); err != nil {
				return fmt.Errorf("relay: slave socket->local write: %w", err)
			}
			if isTerminal(rf) {
				s.socketToLocalBuf.Cleanup(flow.KeyFromFrame(rf))
			}
		}
	}
}

func (s *Slave) localToSocket(localReader *frame.Reader, sockWriter *frame.Writer) (retErr error) {
	defer closeIfCloser(s.sockWriter)

	for {
		f, err := localReader.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay: slave local->socket read: %w", err)
		}

		if f.FrameType == frame.RelayState {
			// A plugin host should never originate RELAY_STATE upward;
			// this violates direction policy and is dropped.
			continue
		}

		ready, err := s.localToSocketBuf.Accept(f)
		if err != nil {
			return err
		}
		for _, rf := range ready {
			if err := sockWriter.WriteFrame(rf); err != nil {
				return fmt.Errorf("relay: slave local->socket write: %w", err)
			}
			if isTerminal(rf) {
				s.localToSocketBuf.Cleanup(flow.KeyFromFrame(rf))
			}
		}
	}
}

func isTerminal(f *frame.Frame) bool {
	return f.FrameType == frame.End || f.FrameType == frame.Err
}

func closeIfCloser(w io.Writer) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}
