// ABOUTME: Wire frame envelope exchanged with client devices and bot endpoints
// ABOUTME: Defines frame types, typed payloads, and decode/encode helpers

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of a frame.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeAuthOK      Type = "auth_ok"
	TypeAuthError   Type = "auth_error"
	TypeMessage     Type = "message"
	TypeMessageAck  Type = "message_ack"
	TypeStatus      Type = "status"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeTask        Type = "task"
	TypeTaskStatus  Type = "task_status"
	TypeError       Type = "error"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

var knownTypes = map[Type]bool{
	TypeAuth: true, TypeAuthOK: true, TypeAuthError: true,
	TypeMessage: true, TypeMessageAck: true, TypeStatus: true,
	TypeSubscribe: true, TypeUnsubscribe: true, TypeTask: true,
	TypeTaskStatus: true, TypeError: true, TypePing: true, TypePong: true,
}

// Known reports whether t is one of the recognized frame types.
func (t Type) Known() bool {
	return knownTypes[t]
}

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one JSON-encoded unit of the wire protocol.
type Frame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// New builds a frame with the given payload and the current timestamp.
// Payloads that fail to marshal are replaced with an empty object.
func New(t Type, data any) *Frame {
	raw, err := json.Marshal(data)
	if err != nil || data == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Frame{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Reply builds a frame answering the request frame req, carrying its id.
func Reply(req *Frame, t Type, data any) *Frame {
	f := New(t, data)
	if req != nil {
		f.ID = req.ID
	}
	return f
}

// Decode parses raw bytes into a Frame, rejecting unknown or missing types.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return &f, nil
}

// DecodeData unmarshals the frame payload into v.
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
