package flow

import (
	"sync"

	"github.com/capfabric/relay/frame"
)

// SeqAssigner assigns monotonically increasing per-flow sequence numbers
// to outbound flow frames. Non-flow frames pass through untouched.
type SeqAssigner struct {
	mu       sync.Mutex
	counters map[Key]uint64
}

// NewSeqAssigner returns an empty assigner.
func NewSeqAssigner() *SeqAssigner {
	return &SeqAssigner{counters: make(map[Key]uint64)}
}

// Assign writes the next sequence number for f's flow into f.Seq and
// advances the counter. Non-flow frames are left with Seq == 0.
func (a *SeqAssigner) Assign(f *frame.Frame) {
	if !f.FrameType.IsFlowFrame() {
		return
	}
	key := KeyFromFrame(f)

	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.counters[key]
	f.Seq = seq
	a.counters[key] = seq + 1
}

// Remove drops a flow's counter. Correctness does not depend on calling
// this; it exists for memory reclamation once a flow's terminal frame has
// been assigned.
func (a *SeqAssigner) Remove(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counters, key)
}
