// Package wireproto implements length-delimited JSON RPC framing: every
// message body is a UTF-8 JSON object carried over a binary transport, with
// message boundaries (a 4-byte big-endian length prefix) added by this
// package rather than by the transport.
//
// Grounded on WebFirstLanguage-beenet/pkg/wire/frame.go's BaseFrame shape
// (version/kind/from/seq/ts/body), adapted from canonical CBOR to JSON.
package wireproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// MaxFrameSize bounds a single frame body to guard against a malformed or
// hostile peer claiming an unbounded length prefix.
const MaxFrameSize = 64 * 1024 * 1024 // 64 MiB, generous for a chunk data piece

// Kind identifies the RPC method carried by a frame's body.
type Kind uint16

const (
	KindUnknown Kind = iota

	// Coordinator-to-coordinator
	KindGossip
	KindGossipResponse
	KindGetStateSummary
	KindStateSummary
	KindFetchOperations
	KindFetchOperationsResponse
	KindPushOperations
	KindPushOperationsResponse
	KindQueryChunkLiveness
	KindQueryChunkLivenessResponse

	// Storage-to-storage
	KindChunkGossip
	KindChunkGossipResponse
	KindGetChunkStateSummary
	KindChunkStateSummary
	KindFetchChunkData
	KindFetchChunkResponse
	KindChunkMetadata
	KindChunkDataPiece
	KindPushTombstones
	KindPushTombstonesResponse

	// Coordinator-to-storage
	KindWriteChunk
	KindWriteChunkResponse
	KindReadChunk
	KindReplicateChunk
	KindReplicateChunkResponse
	KindDeleteChunk
	KindDeleteChunkResponse
	KindPing
	KindPong

	// Shared
	KindError
	KindEmpty
	KindEOF
)

// Frame is the envelope every RPC message travels in. Body carries the
// kind-specific JSON payload; Seq correlates streaming messages belonging
// to the same logical call.
type Frame struct {
	V    uint16          `json:"v"`
	Kind Kind            `json:"kind"`
	Seq  uint64          `json:"seq"`
	Body json.RawMessage `json:"body"`
}

// NewFrame builds a Frame by marshaling body to JSON.
func NewFrame(kind Kind, seq uint64, body interface{}) (*Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wireproto: marshal body: %w", err)
	}
	return &Frame{V: ProtocolVersion, Kind: kind, Seq: seq, Body: raw}, nil
}

// Decode unmarshals the frame's body into dst.
func (f *Frame) Decode(dst interface{}) error {
	if err := json.Unmarshal(f.Body, dst); err != nil {
		return fmt.Errorf("wireproto: decode kind %d: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes a length-delimited JSON frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wireproto: marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("wireproto: frame too large (%d bytes)", len(data))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wireproto: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wireproto: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited JSON frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wireproto: frame too large (%d bytes)", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wireproto: read body: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wireproto: unmarshal frame: %w", err)
	}
	return &f, nil
}

// ErrorBody is the JSON body of a KindError frame.
type ErrorBody struct {
	Message string `json:"message"`
}

// NewErrorFrame builds an error-kind frame carrying a human-readable message.
func NewErrorFrame(seq uint64, err error) *Frame {
	f, marshalErr := NewFrame(KindError, seq, ErrorBody{Message: err.Error()})
	if marshalErr != nil {
		// ErrorBody is always marshalable; this path is unreachable in
		// practice but keeps NewErrorFrame infallible for callers.
		return &Frame{V: ProtocolVersion, Kind: KindError, Seq: seq, Body: json.RawMessage(`{"message":"internal error"}`)}
	}
	return f
}

// AsError converts a KindError frame into a Go error, or nil if the frame
// is not an error frame.
func AsError(f *Frame) error {
	if f.Kind != KindError {
		return nil
	}
	var body ErrorBody
	if err := f.Decode(&body); err != nil {
		return fmt.Errorf("wireproto: malformed error frame: %w", err)
	}
	return fmt.Errorf("peer error: %s", body.Message)
}
