package flow

import (
	"fmt"
	"sync"

	"github.com/capfabric/relay/frame"
)

// ReorderErrorType discriminates the reasons a frame is rejected by a
// ReorderBuffer's ProtocolError kind.
type ReorderErrorType int

const (
	StaleOrDuplicate ReorderErrorType = iota
	Overflow
)

// ReorderError is returned when an arriving frame violates flow ordering.
type ReorderError struct {
	Type    ReorderErrorType
	Message string
}

func (e *ReorderError) Error() string {
	switch e.Type {
	case Overflow:
		return "flow: reorder buffer overflow: " + e.Message
	default:
		return "flow: stale or duplicate frame: " + e.Message
	}
}

type flowState struct {
	expectedSeq uint64
	buffered    map[uint64]*frame.Frame
}

// ReorderBuffer buffers out-of-order flow frames per flow key and delivers
// them in strict sequence order.
type ReorderBuffer struct {
	mu          sync.Mutex
	maxBuffered int
	flows       map[Key]*flowState
}

// NewReorderBuffer returns an empty buffer bounded to maxBuffered frames
// per flow.
func NewReorderBuffer(maxBuffered int) *ReorderBuffer {
	return &ReorderBuffer{maxBuffered: maxBuffered, flows: make(map[Key]*flowState)}
}

// Accept runs the reorder-buffer accept algorithm for a single arriving
// frame. Non-flow frames bypass the buffer and return immediately as a
// single-element, ready-to-deliver slice. Returns the frames now ready for
// delivery, in seq order (zero or more).
func (b *ReorderBuffer) Accept(f *frame.Frame) ([]*frame.Frame, error) {
	if !f.FrameType.IsFlowFrame() {
		return []*frame.Frame{f}, nil
	}

	key := KeyFromFrame(f)

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.flows[key]
	if !ok {
		st = &flowState{expectedSeq: 0, buffered: make(map[uint64]*frame.Frame)}
		b.flows[key] = st
	}

	switch {
	case f.Seq == st.expectedSeq:
		ready := []*frame.Frame{f}
		st.expectedSeq++
		for {
			next, ok := st.buffered[st.expectedSeq]
			if !ok {
				break
			}
			delete(st.buffered, st.expectedSeq)
			ready = append(ready, next)
			st.expectedSeq++
		}
		return ready, nil

	case f.Seq > st.expectedSeq:
		if _, dup := st.buffered[f.Seq]; dup {
			return nil, &ReorderError{
				Type:    StaleOrDuplicate,
				Message: fmt.Sprintf("seq %d already buffered (expected %d)", f.Seq, st.expectedSeq),
			}
		}
		if len(st.buffered) >= b.maxBuffered {
			return nil, &ReorderError{
				Type: Overflow,
				Message: fmt.Sprintf("%d frames buffered (limit %d), expected seq %d, got %d",
					len(st.buffered), b.maxBuffered, st.expectedSeq, f.Seq),
			}
		}
		st.buffered[f.Seq] = f
		return nil, nil

	default: // f.Seq < st.expectedSeq
		return nil, &ReorderError{
			Type:    StaleOrDuplicate,
			Message: fmt.Sprintf("seq %d is behind expected %d", f.Seq, st.expectedSeq),
		}
	}
}

// Cleanup drops a flow's state. Callers invoke this once a flow's terminal
// frame (END/ERR) has been delivered.
func (b *ReorderBuffer) Cleanup(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flows, key)
}
