package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds one frame. A full status snapshot of a few thousand
// entities stays well below it.
const MaxMessageSize = 4 * 1024 * 1024

// maxErrorText caps agent error strings surfaced to the user.
const maxErrorText = 256

// headerSize is the big-endian uint32 length prefix.
const headerSize = 4

// ErrTooLarge is returned for frames over MaxMessageSize in either direction.
var ErrTooLarge = errors.New("message too large")

// WriteMsg frames env as a length prefix followed by its msgpack encoding.
// The frame goes out in a single Write.
func WriteMsg(w io.Writer, env *Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("write %s: %w (%d > %d)", env.Type, ErrTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[headerSize:], data)
	_, err = w.Write(frame)
	return err
}

// ReadMsg reads one frame. A clean end of stream before the header returns
// io.EOF; a frame cut short returns io.ErrUnexpectedEOF.
func ReadMsg(r io.Reader) (*Envelope, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	switch {
	case size == 0:
		return nil, errors.New("empty frame")
	case size > MaxMessageSize:
		return nil, fmt.Errorf("read: %w (%d > %d)", ErrTooLarge, size, MaxMessageSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Decode unmarshals the envelope body into a new T. An empty body yields the
// zero value.
func Decode[T any](env *Envelope) (T, error) {
	var v T
	if len(env.Body) == 0 {
		return v, nil
	}
	if err := msgpack.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}

// NewEnvelope creates an Envelope with the given type, ID, and body.
func NewEnvelope(typ MsgType, id uint32, body any) (*Envelope, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return &Envelope{Type: typ, ID: id, Body: raw}, nil
}

// NewEnvelopeNoBody creates an Envelope with no body (nil Body).
func NewEnvelopeNoBody(typ MsgType, id uint32) *Envelope {
	return &Envelope{Type: typ, ID: id}
}

// NewErrorEnvelope answers request id with msg.
func NewErrorEnvelope(id uint32, msg string) *Envelope {
	env, err := NewEnvelope(TypeError, id, &ErrorResult{Error: msg})
	if err != nil {
		// ErrorResult is a single string field.
		return NewEnvelopeNoBody(TypeError, id)
	}
	return env
}

// AgentError is a TypeError response turned into a Go error.
type AgentError struct {
	Msg string
}

func (e *AgentError) Error() string { return e.Msg }

// ResponseErr returns nil for a non-error envelope, otherwise an
// *AgentError carrying the (truncated) message.
func ResponseErr(env *Envelope) error {
	if env.Type != TypeError {
		return nil
	}
	e, err := Decode[ErrorResult](env)
	if err != nil || e.Error == "" {
		return &AgentError{Msg: "unknown error from agent"}
	}
	msg := e.Error
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText]
	}
	return &AgentError{Msg: msg}
}
