package frame

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Integer map keys for the CBOR frame schema.
const (
	keyVersion     = 0
	keyFrameType   = 1
	keyID          = 2
	keySeq         = 3
	keyContentType = 4
	keyMeta        = 5
	keyPayload     = 6
	keyLen         = 7
	keyOffset      = 8
	keyEOF         = 9
	keyCap         = 10
	keyStreamID    = 11
	keyMediaURN    = 12
	keyRoutingID   = 13
	keyChunkIndex  = 14
	keyChunkCount  = 15
	keyChecksum    = 16
)

// encodeID picks between the two encodings of ID on the wire: byte-string(16)
// for the opaque form, unsigned-int for the integer form. cbor round-trips
// both natively through interface{}, so the encoder just picks which Go
// value to put under the map key.
func encodeID(id ID) interface{} {
	if id.uuidBytes != nil {
		return id.uuidBytes
	}
	if id.intValue != nil {
		return *id.intValue
	}
	return uint64(0)
}

func decodeID(v interface{}) (ID, error) {
	switch t := v.(type) {
	case []byte:
		return UUID(t)
	case uint64:
		return Uint(t), nil
	case int64:
		if t < 0 {
			return ID{}, fmt.Errorf("frame: negative integer id %d", t)
		}
		return Uint(uint64(t)), nil
	case int:
		if t < 0 {
			return ID{}, fmt.Errorf("frame: negative integer id %d", t)
		}
		return Uint(uint64(t)), nil
	default:
		return ID{}, fmt.Errorf("frame: id has unsupported CBOR type %T", v)
	}
}

// Encode serializes a Frame to its CBOR integer-keyed map form.
func Encode(f *Frame) ([]byte, error) {
	if f.FrameType == 2 {
		return nil, fmt.Errorf("frame: frame type 2 is retired, cannot encode")
	}

	m := map[int]interface{}{
		keyVersion:   f.Version,
		keyFrameType: uint8(f.FrameType),
		keyID:        encodeID(f.ID),
		keySeq:       f.Seq,
	}
	if f.ContentType != nil {
		m[keyContentType] = *f.ContentType
	}
	if f.Meta != nil {
		m[keyMeta] = f.Meta
	}
	if f.Payload != nil {
		m[keyPayload] = f.Payload
	}
	if f.TotalLength != nil {
		m[keyLen] = *f.TotalLength
	}
	if f.Offset != nil {
		m[keyOffset] = *f.Offset
	}
	if f.EOF != nil {
		m[keyEOF] = *f.EOF
	}
	if f.CapURN != nil {
		m[keyCap] = *f.CapURN
	}
	if f.StreamID != nil {
		m[keyStreamID] = *f.StreamID
	}
	if f.MediaURN != nil {
		m[keyMediaURN] = *f.MediaURN
	}
	if f.RoutingID != nil {
		m[keyRoutingID] = encodeID(*f.RoutingID)
	}
	if f.ChunkIndex != nil {
		m[keyChunkIndex] = *f.ChunkIndex
	}
	if f.ChunkCount != nil {
		m[keyChunkCount] = *f.ChunkCount
	}
	if f.Checksum != nil {
		m[keyChecksum] = *f.Checksum
	}

	return cbor.Marshal(m)
}

// Decode parses a Frame from its CBOR integer-keyed map form, validating
// the required fields and the per-type constraints (CHUNK requires
// chunk-index and checksum, STREAM_END requires chunk-count).
func Decode(data []byte) (*Frame, error) {
	var raw map[int]interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("frame: cbor decode failed: %w", err)
	}

	version, ok := asUint8(raw[keyVersion])
	if !ok {
		return nil, fmt.Errorf("frame: missing or malformed version field")
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("frame: unsupported protocol version %d", version)
	}
	ftRaw, ok := asUint8(raw[keyFrameType])
	if !ok {
		return nil, fmt.Errorf("frame: missing or malformed frame_type field")
	}
	ft := Type(ftRaw)
	if ft == 2 {
		return nil, fmt.Errorf("frame: frame type 2 is retired")
	}

	idRaw, ok := raw[keyID]
	if !ok {
		return nil, fmt.Errorf("frame: missing required id field")
	}
	id, err := decodeID(idRaw)
	if err != nil {
		return nil, err
	}

	f := &Frame{Version: version, FrameType: ft, ID: id}

	if seq, ok := asUint64(raw[keySeq]); ok {
		f.Seq = seq
	}
	if v, ok := raw[keyContentType].(string); ok {
		f.ContentType = &v
	}
	if v, ok := raw[keyMeta].(map[string]interface{}); ok {
		f.Meta = v
	} else if v, ok := raw[keyMeta].(map[interface{}]interface{}); ok {
		f.Meta = normalizeMetaKeys(v)
	}
	if v, ok := raw[keyPayload].([]byte); ok {
		f.Payload = v
	}
	if v, ok := asUint64(raw[keyLen]); ok {
		f.TotalLength = &v
	}
	if v, ok := asUint64(raw[keyOffset]); ok {
		f.Offset = &v
	}
	if v, ok := raw[keyEOF].(bool); ok {
		f.EOF = &v
	}
	if v, ok := raw[keyCap].(string); ok {
		f.CapURN = &v
	}
	if v, ok := raw[keyStreamID].(string); ok {
		f.StreamID = &v
	}
	if v, ok := raw[keyMediaURN].(string); ok {
		f.MediaURN = &v
	}
	if rawRoutingID, present := raw[keyRoutingID]; present {
		rid, err := decodeID(rawRoutingID)
		if err != nil {
			return nil, fmt.Errorf("frame: malformed routing_id: %w", err)
		}
		f.RoutingID = &rid
	}
	if v, ok := asUint64(raw[keyChunkIndex]); ok {
		f.ChunkIndex = &v
	}
	if v, ok := asUint64(raw[keyChunkCount]); ok {
		f.ChunkCount = &v
	}
	if v, ok := asUint64(raw[keyChecksum]); ok {
		f.Checksum = &v
	}

	if err := validateTypeConstraints(f); err != nil {
		return nil, err
	}
	return f, nil
}

func validateTypeConstraints(f *Frame) error {
	switch f.FrameType {
	case Chunk:
		if f.ChunkIndex == nil {
			return fmt.Errorf("frame: CHUNK missing required chunk_index")
		}
		if f.Checksum == nil {
			return fmt.Errorf("frame: CHUNK missing required checksum")
		}
	case StreamEnd:
		if f.ChunkCount == nil {
			return fmt.Errorf("frame: STREAM_END missing required chunk_count")
		}
	}
	return nil
}

func normalizeMetaKeys(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if ks, ok := k.(string); ok {
			out[ks] = v
		}
	}
	return out
}

func asUint8(v interface{}) (uint8, bool) {
	n, ok := asUint64(v)
	if !ok {
		return 0, false
	}
	return uint8(n), true
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint8:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
