package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/xeipuuv/gojsonschema"
)

// manifestShapeSchema is the JSON Schema a decoded manifest byte string
// must satisfy: an array of strings.
var manifestShapeSchema = gojsonschema.NewStringLoader(`{
	"type": "array",
	"items": {"type": "string"}
}`)

const lengthPrefixSize = 4

// Reader reads length-prefixed CBOR frames off an io.Reader, enforcing the
// negotiated max-frame limit.
type Reader struct {
	r        io.Reader
	maxFrame int
}

// NewReader wraps r. maxFrame is the negotiated limit; it is clamped to
// MaxFrameHardLimit.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 || maxFrame > MaxFrameHardLimit {
		maxFrame = MaxFrameHardLimit
	}
	return &Reader{r: r, maxFrame: maxFrame}
}

// ReadFrame reads and decodes the next frame, or returns io.EOF itself
// (unwrapped, so callers may compare with ==) when the stream ends cleanly
// between frames.
func (fr *Reader) ReadFrame() (*Frame, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > fr.maxFrame {
		return nil, fmt.Errorf("frame: declared length %d exceeds max_frame %d", n, fr.maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("frame: read frame body: %w", err)
	}

	f, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Writer encodes and writes length-prefixed CBOR frames to an io.Writer,
// enforcing the negotiated max-frame and max-chunk limits.
type Writer struct {
	w        io.Writer
	maxFrame int
	maxChunk int
}

// NewWriter wraps w. maxFrame and maxChunk are the negotiated limits.
func NewWriter(w io.Writer, maxFrame, maxChunk int) *Writer {
	if maxFrame <= 0 || maxFrame > MaxFrameHardLimit {
		maxFrame = MaxFrameHardLimit
	}
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &Writer{w: w, maxFrame: maxFrame, maxChunk: maxChunk}
}

// WriteFrame encodes and writes a single frame.
func (fw *Writer) WriteFrame(f *Frame) error {
	encoded, err := Encode(f)
	if err != nil {
		return err
	}
	if len(encoded) > fw.maxFrame {
		return fmt.Errorf("frame: encoded length %d exceeds max_frame %d", len(encoded), fw.maxFrame)
	}

	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("frame: write length prefix: %w", err)
	}
	if _, err := fw.w.Write(encoded); err != nil {
		return fmt.Errorf("frame: write frame body: %w", err)
	}
	return nil
}

// WriteChunkedResponse writes a complete response stream for a request:
// STREAM_START, then one or more CHUNK frames each no larger than the
// negotiated max-chunk, then STREAM_END, then END. streamID identifies the
// stream; mediaURN describes its content. Empty payloads still produce a
// single zero-length chunk so the chunk-count invariant holds.
func (fw *Writer) WriteChunkedResponse(id ID, streamID, mediaURN string, payload []byte, assignSeq func(*Frame)) error {
	start := NewStreamStart(id, streamID, mediaURN)
	assignSeq(start)
	if err := fw.WriteFrame(start); err != nil {
		return err
	}

	chunkCount := uint64(0)
	offset := 0
	for offset < len(payload) || chunkCount == 0 {
		end := offset + fw.maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		chunk := NewChunk(id, streamID, 0, payload[offset:end], chunkCount)
		assignSeq(chunk)
		if err := fw.WriteFrame(chunk); err != nil {
			return err
		}
		chunkCount++
		offset = end
		if len(payload) == 0 {
			break
		}
	}

	end := NewStreamEnd(id, streamID, chunkCount)
	assignSeq(end)
	if err := fw.WriteFrame(end); err != nil {
		return err
	}

	endFrame := NewEnd(id, nil)
	assignSeq(endFrame)
	return fw.WriteFrame(endFrame)
}

// ValidateManifestShape checks that raw decodes as a JSON array of strings,
// the wire shape required of a HELLO/RELAY_NOTIFY manifest field, without
// yet turning the strings into parsed cap URNs.
func ValidateManifestShape(raw []byte) ([]string, error) {
	result, err := gojsonschema.Validate(manifestShapeSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("frame: manifest is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("frame: manifest is not a JSON array of strings: %s", result.Errors()[0])
	}

	var caps []string
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("frame: manifest is not a JSON array of strings: %w", err)
	}
	return caps, nil
}
