// Package frame implements the wire data model and CBOR codec for the
// cap-addressed frame relay fabric: the length-prefixed, integer-keyed CBOR
// frame format, plus the handshake that negotiates per-connection limits.
package frame

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version this codec speaks. Frames
// carrying any other version are rejected at decode time.
const ProtocolVersion uint8 = 2

// Size limits
const (
	DefaultMaxFrame         = 3_670_016  // 3.5 MiB
	DefaultMaxChunk         = 262_144    // 256 KiB
	DefaultMaxReorderBuffer = 64         // frames
	MaxFrameHardLimit       = 16_777_216 // 16 MiB, absolute ceiling
)

// Type is the frame-type discriminant. Values are stable on the wire; value
// 2 is intentionally unassigned (a retired single-response frame type).
type Type uint8

const (
	Hello       Type = 0
	Req         Type = 1
	Chunk       Type = 3
	End         Type = 4
	Log         Type = 5
	Err         Type = 6
	Heartbeat   Type = 7
	StreamStart Type = 8
	StreamEnd   Type = 9
	RelayNotify Type = 10
	RelayState  Type = 11
)

func (t Type) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case Req:
		return "REQ"
	case Chunk:
		return "CHUNK"
	case End:
		return "END"
	case Log:
		return "LOG"
	case Err:
		return "ERR"
	case Heartbeat:
		return "HEARTBEAT"
	case StreamStart:
		return "STREAM_START"
	case StreamEnd:
		return "STREAM_END"
	case RelayNotify:
		return "RELAY_NOTIFY"
	case RelayState:
		return "RELAY_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsFlowFrame reports whether this frame type participates in flow
// sequencing and reorder buffering. HELLO, HEARTBEAT, RELAY_NOTIFY and
// RELAY_STATE bypass sequencing entirely.
func (t Type) IsFlowFrame() bool {
	switch t {
	case Hello, Heartbeat, RelayNotify, RelayState:
		return false
	default:
		return true
	}
}

// ID is the tagged-union message identifier: either a 16-byte opaque
// UUID-shaped value, or an unsigned 64-bit integer. Equality is structural;
// the two forms are never equal to each other.
type ID struct {
	uuidBytes []byte
	intValue  *uint64
}

// UUID creates a UUID-shaped ID from 16 raw bytes.
func UUID(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("frame: UUID id must be 16 bytes, got %d", len(b))
	}
	cp := make([]byte, 16)
	copy(cp, b)
	return ID{uuidBytes: cp}, nil
}

// Uint creates an integer ID. Reserved for fabric-internal ids: HELLO uses
// 0, switch-allocated XIDs use a monotonic counter.
func Uint(v uint64) ID {
	return ID{intValue: &v}
}

// NewRandomID returns a fresh random UUID-shaped ID, used for end-to-end
// request identity (RID).
func NewRandomID() ID {
	u := uuid.New()
	b, _ := u.MarshalBinary()
	return ID{uuidBytes: b}
}

// zeroID is the conventional id carried by HELLO/RELAY_NOTIFY/RELAY_STATE,
// which are not tied to any particular request.
var zeroID = Uint(0)

// IsUUID reports whether this is the opaque 16-byte form.
func (m ID) IsUUID() bool { return m.uuidBytes != nil }

// String renders the id: a UUID string for the opaque form, a decimal
// number for the integer form.
func (m ID) String() string {
	if m.uuidBytes != nil {
		u, err := uuid.FromBytes(m.uuidBytes)
		if err != nil {
			return ""
		}
		return u.String()
	}
	if m.intValue != nil {
		return fmt.Sprintf("%d", *m.intValue)
	}
	return "0"
}

// Equal reports structural equality; the two tagged forms never compare
// equal to each other regardless of byte content.
func (m ID) Equal(other ID) bool {
	if m.uuidBytes != nil && other.uuidBytes != nil {
		return string(m.uuidBytes) == string(other.uuidBytes)
	}
	if m.intValue != nil && other.intValue != nil {
		return *m.intValue == *other.intValue
	}
	return false
}

// Frame is a single protocol frame Optional fields are
// nil when absent; Meta carries an ordered text→CBOR-value mapping (decoded
// here as map[string]interface{}; insertion order is not preserved by the
// underlying CBOR library, which is immaterial to this protocol's
// semantics).
type Frame struct {
	Version     uint8
	FrameType   Type
	ID          ID
	Seq         uint64
	RoutingID   *ID
	StreamID    *string
	MediaURN    *string
	ContentType *string
	Meta        map[string]interface{}
	Payload     []byte
	TotalLength *uint64
	Offset      *uint64
	EOF         *bool
	CapURN      *string
	ChunkIndex  *uint64
	ChunkCount  *uint64
	Checksum    *uint64
}

func newFrame(t Type, id ID) *Frame {
	return &Frame{Version: ProtocolVersion, FrameType: t, ID: id}
}

// NewReq builds a REQ frame for the given cap URN.
func NewReq(id ID, capURN string, payload []byte, contentType string) *Frame {
	f := newFrame(Req, id)
	f.CapURN = &capURN
	f.Payload = payload
	f.ContentType = &contentType
	return f
}

// NewStreamStart announces a new stream within a request.
func NewStreamStart(id ID, streamID, mediaURN string) *Frame {
	f := newFrame(StreamStart, id)
	f.StreamID = &streamID
	f.MediaURN = &mediaURN
	return f
}

// NewChunk builds a CHUNK frame; chunkIndex and checksum are mandatory
// fields the codec enforces on decode.
func NewChunk(id ID, streamID string, seq uint64, payload []byte, chunkIndex uint64) *Frame {
	f := newFrame(Chunk, id)
	f.StreamID = &streamID
	f.Seq = seq
	f.Payload = payload
	f.ChunkIndex = &chunkIndex
	sum := Checksum(payload)
	f.Checksum = &sum
	return f
}

// NewStreamEnd ends a stream; chunkCount is mandatory.
func NewStreamEnd(id ID, streamID string, chunkCount uint64) *Frame {
	f := newFrame(StreamEnd, id)
	f.StreamID = &streamID
	f.ChunkCount = &chunkCount
	return f
}

// NewEnd builds the terminal END frame of a request.
func NewEnd(id ID, payload []byte) *Frame {
	f := newFrame(End, id)
	f.Payload = payload
	eof := true
	f.EOF = &eof
	return f
}

// NewErr builds an ERR frame carrying a `code`/`message` pair in Meta, per
// 's user-visible failure surface.
func NewErr(id ID, code, message string) *Frame {
	f := newFrame(Err, id)
	f.Meta = map[string]interface{}{"code": code, "message": message}
	return f
}

// NewLog builds a LOG frame.
func NewLog(id ID, level, message string) *Frame {
	f := newFrame(Log, id)
	f.Meta = map[string]interface{}{"level": level, "message": message}
	return f
}

// NewHeartbeat builds a HEARTBEAT frame.
func NewHeartbeat(id ID) *Frame {
	return newFrame(Heartbeat, id)
}

// NewHello builds a HELLO frame without a manifest (host/initiator side).
func NewHello(limits Limits) *Frame {
	f := newFrame(Hello, zeroID)
	f.Meta = limitsMeta(limits)
	return f
}

// NewHelloWithManifest builds a HELLO frame carrying a plugin manifest
// (responder side): a JSON-encoded array of cap URN strings.
func NewHelloWithManifest(limits Limits, manifest []byte) *Frame {
	f := newFrame(Hello, zeroID)
	f.Meta = limitsMeta(limits)
	f.Meta["manifest"] = manifest
	return f
}

// NewRelayNotify builds a RELAY_NOTIFY frame (slave → master capability
// advertisement), mirroring HELLO's limit keys plus manifest.
func NewRelayNotify(limits Limits, manifest []byte) *Frame {
	f := newFrame(RelayNotify, zeroID)
	f.Meta = limitsMeta(limits)
	f.Meta["manifest"] = manifest
	return f
}

// NewRelayState builds a RELAY_STATE frame (master → slave), carrying
// opaque bytes in Payload only.
func NewRelayState(payload []byte) *Frame {
	f := newFrame(RelayState, zeroID)
	f.Payload = payload
	return f
}

func limitsMeta(l Limits) map[string]interface{} {
	return map[string]interface{}{
		"max_frame":          l.MaxFrame,
		"max_chunk":          l.MaxChunk,
		"max_reorder_buffer": l.MaxReorderBuffer,
		"version":            ProtocolVersion,
	}
}

// ErrorCode reads the `code` meta field of an ERR frame.
func (f *Frame) ErrorCode() string { return metaString(f, Err, "code") }

// ErrorMessage reads the `message` meta field of an ERR frame.
func (f *Frame) ErrorMessage() string { return metaString(f, Err, "message") }

// LogLevel reads the `level` meta field of a LOG frame.
func (f *Frame) LogLevel() string { return metaString(f, Log, "level") }

// LogMessage reads the `message` meta field of a LOG frame.
func (f *Frame) LogMessage() string { return metaString(f, Log, "message") }

func metaString(f *Frame, want Type, key string) string {
	if f.FrameType != want || f.Meta == nil {
		return ""
	}
	if v, ok := f.Meta[key].(string); ok {
		return v
	}
	return ""
}

// ManifestFromRelayNotify extracts the manifest byte string from a
// RELAY_NOTIFY frame's meta, or nil if absent.
func (f *Frame) ManifestFromRelayNotify() []byte {
	if f.FrameType != RelayNotify || f.Meta == nil {
		return nil
	}
	if b, ok := f.Meta["manifest"].([]byte); ok {
		return b
	}
	return nil
}

// LimitsFromMeta extracts a Limits record from a HELLO or RELAY_NOTIFY
// frame's meta map, tolerating the numeric type variance CBOR decoding can
// produce. Returns false if any of the three limit keys are missing.
func (f *Frame) LimitsFromMeta() (Limits, bool) {
	if f.Meta == nil {
		return Limits{}, false
	}
	maxFrame, ok1 := intFromMeta(f.Meta, "max_frame")
	maxChunk, ok2 := intFromMeta(f.Meta, "max_chunk")
	maxReorder, ok3 := intFromMeta(f.Meta, "max_reorder_buffer")
	if !ok1 || !ok2 || !ok3 {
		return Limits{}, false
	}
	return Limits{MaxFrame: maxFrame, MaxChunk: maxChunk, MaxReorderBuffer: maxReorder}, true
}

func intFromMeta(meta map[string]interface{}, key string) (int, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Checksum computes the FNV-1a 64-bit hash of data
func Checksum(data []byte) uint64 {
	const offsetBasis = uint64(0xcbf29ce484222325)
	const prime = uint64(0x100000001b3)
	hash := offsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime
	}
	return hash
}

// VerifyChunkChecksum checks a CHUNK frame's checksum against its payload.
func VerifyChunkChecksum(f *Frame) error {
	if f.Checksum == nil {
		return errors.New("frame: CHUNK missing required checksum")
	}
	want := Checksum(f.Payload)
	if *f.Checksum != want {
		return fmt.Errorf("frame: CHUNK checksum mismatch: want %d, got %d", want, *f.Checksum)
	}
	return nil
}

// IsEOF reports whether this frame's Eof marker is set.
func (f *Frame) IsEOF() bool { return f.EOF != nil && *f.EOF }

