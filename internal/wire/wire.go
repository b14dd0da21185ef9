// Package wire provides protobuf message framing for the pinglingle control
// and push protocol.
//
// Every frame is a google.protobuf.Struct, length-delimited with protobuf's
// standard varint prefix. A frame carries an id, a type and a body. Requests
// use an operation name as type; replies echo the request id with type
// "response" or "error"; push events use id 0 and an event name.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

// Operations.
const (
	OpListTargets  = "list_targets"
	OpAddTarget    = "add_target"
	OpDeleteTarget = "delete_target"
	OpSamples      = "samples"
	OpDigests      = "digests"
	OpLive         = "live"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	OpDigestNow    = "digest_now"
	OpHealth       = "health"
)

// Reply and event types.
const (
	TypeResponse      = "response"
	TypeError         = "error"
	EventSample       = "sample"
	EventTargetAdded  = "target_added"
	EventTargetDelete = "target_deleted"
)

// Message is one decoded frame.
type Message struct {
	ID   uint64
	Type string
	Body Body
}

// IsEvent reports whether m is an unsolicited push event.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Type != TypeResponse && m.Type != TypeError
}

// Err returns the error carried by an error reply, or nil.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	code, _ := m.Body.Int64("code")
	msg, _ := m.Body.String("message")
	return fmt.Errorf("%s: %w", msg, errors.CodeToError(int32(code)))
}

// Encode converts m to its protobuf form.
func Encode(m *Message) (*structpb.Struct, error) {
	body := m.Body
	if body == nil {
		body = Body{}
	}
	return structpb.NewStruct(map[string]any{
		"id":   float64(m.ID),
		"type": m.Type,
		"body": normalize(body),
	})
}

// normalize turns nested Body values into the plain maps and slices
// structpb accepts.
func normalize(v any) any {
	switch v := v.(type) {
	case Body:
		return normalize(map[string]any(v))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	case []Body:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// Decode converts a protobuf frame to a Message.
func Decode(s *structpb.Struct) (*Message, error) {
	raw := s.AsMap()
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("frame without type: %w", errors.ErrInvalidQuery)
	}
	m := &Message{Type: typ, Body: Body{}}
	if id, ok := raw["id"].(float64); ok && id > 0 {
		m.ID = uint64(id)
	}
	if body, ok := raw["body"].(map[string]any); ok {
		m.Body = body
	}
	return m, nil
}

// Reader reads length-delimited frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// SetMaxSize overrides the frame size limit.
func (r *Reader) SetMaxSize(n int) {
	if n > 0 {
		r.maxSize = n
	}
}

// Read reads and decodes the next frame.
// Returns an error if the frame exceeds the size limit.
func (r *Reader) Read() (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: int64(r.maxSize)}
	if err := opts.UnmarshalFrom(r.r, frame); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return Decode(frame)
}

// Writer writes length-delimited frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes m with its length prefix.
func (w *Writer) Write(m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Marshal encodes m into a length-prefixed frame.
func Marshal(m *Message) ([]byte, error) {
	frame, err := Encode(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := protodelim.MarshalTo(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRaw writes a frame produced by Marshal.
func (w *Writer) WriteRaw(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Reply Helpers
// =============================================================================

// NewResponse creates a success reply to request id.
func NewResponse(id uint64, body Body) *Message {
	return &Message{ID: id, Type: TypeResponse, Body: body}
}

// NewEvent creates a push event.
func NewEvent(typ string, body Body) *Message {
	return &Message{Type: typ, Body: body}
}

// NewError creates an error reply with the given request ID, error code, and message.
// Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Message {
	return &Message{
		ID:   id,
		Type: TypeError,
		Body: Body{"code": float64(code), "message": msg},
	}
}

// NewErrorFromErr creates an error reply from a Go error.
// It maps the error to its wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *Message {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}
