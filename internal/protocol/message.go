package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is the wire discriminator of a message envelope.
type Type string

const (
	TypeJoin   Type = "join"
	TypeLeave  Type = "leave"
	TypeSync   Type = "sync"
	TypeDraw   Type = "draw"
	TypeClear  Type = "clear"
	TypeUndo   Type = "undo"
	TypeRedo   Type = "redo"
	TypeCursor Type = "cursor"
)

var (
	// ErrMalformedMessage indicates bytes that are not a parsable envelope or payload.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownType indicates a well-formed envelope whose type is not recognised.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrInvalidPayload indicates a parsable payload that is missing required fields.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
	// ErrMissingPayload indicates an attempt to encode a message without a payload.
	ErrMissingPayload = errors.New("protocol: payload required")
)

// Payload is implemented only by the payload types of this package, so a type
// switch over Payload enumerates every message kind.
type Payload interface {
	Type() Type
	validate() error
}

// Join announces a participant. The server fills ColorIndex when relaying it.
type Join struct {
	UserID     string `json:"userId"`
	ColorIndex *int   `json:"colorIndex,omitempty"`
}

// Leave is server-originated and announces a departure.
type Leave struct {
	UserID string `json:"userId"`
}

// Sync is the catch-up sent to a single joining client.
type Sync struct {
	Strokes []Stroke `json:"strokes"`
	Users   []User   `json:"users"`
}

// Draw appends a completed stroke.
type Draw struct {
	Stroke Stroke `json:"stroke"`
}

// Clear wipes the entire history.
type Clear struct {
	UserID string `json:"userId"`
}

// Undo removes one stroke by id.
type Undo struct {
	UserID   string `json:"userId"`
	StrokeID string `json:"strokeId"`
}

// Redo re-appends a previously undone stroke as a full object.
type Redo struct {
	UserID string `json:"userId"`
	Stroke Stroke `json:"stroke"`
}

// Cursor is an ephemeral pointer position; negative coordinates mean hidden.
type Cursor struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Hidden reports whether the cursor signals that the pointer left the surface.
func (c Cursor) Hidden() bool {
	return c.X < 0 || c.Y < 0
}

func (Join) Type() Type   { return TypeJoin }
func (Leave) Type() Type  { return TypeLeave }
func (Sync) Type() Type   { return TypeSync }
func (Draw) Type() Type   { return TypeDraw }
func (Clear) Type() Type  { return TypeClear }
func (Undo) Type() Type   { return TypeUndo }
func (Redo) Type() Type   { return TypeRedo }
func (Cursor) Type() Type { return TypeCursor }

func (p Join) validate() error  { return requireUserID(p.UserID) }
func (p Leave) validate() error { return requireUserID(p.UserID) }
func (Sync) validate() error    { return nil }
func (Clear) validate() error   { return nil }

func (p Draw) validate() error {
	if err := p.Stroke.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (p Undo) validate() error {
	if strings.TrimSpace(p.StrokeID) == "" {
		return fmt.Errorf("%w: strokeId required", ErrInvalidPayload)
	}
	return nil
}

func (p Redo) validate() error {
	if err := p.Stroke.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (p Cursor) validate() error { return requireUserID(p.UserID) }

func requireUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId required", ErrInvalidPayload)
	}
	return nil
}

// Message is a decoded envelope. Timestamp is unix milliseconds.
type Message struct {
	Payload   Payload
	Timestamp int64
}

// NewMessage wraps a payload in an envelope stamped with now.
func NewMessage(payload Payload, now time.Time) Message {
	return Message{Payload: payload, Timestamp: now.UnixMilli()}
}

// Type returns the discriminator of the carried payload.
func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

type envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

var payloadDecoders = map[Type]func(json.RawMessage) (Payload, error){
	TypeJoin:   decodePayload[Join],
	TypeLeave:  decodePayload[Leave],
	TypeSync:   decodePayload[Sync],
	TypeDraw:   decodePayload[Draw],
	TypeClear:  decodePayload[Clear],
	TypeUndo:   decodePayload[Undo],
	TypeRedo:   decodePayload[Redo],
	TypeCursor: decodePayload[Cursor],
}

// Decode parses a single JSON envelope.
func Decode(data []byte) (Message, error) {
	var raw envelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	decoder, ok := payloadDecoders[raw.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, raw.Type)
	}
	payload, err := decoder(raw.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Payload: payload, Timestamp: raw.Timestamp}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: payload missing", ErrMalformedMessage)
	}
	var payload T
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Encode renders the message as a single-line JSON envelope.
func Encode(message Message) ([]byte, error) {
	if message.Payload == nil {
		return nil, ErrMissingPayload
	}
	payload, err := json.Marshal(normalize(message.Payload))
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:      message.Payload.Type(),
		Payload:   payload,
		Timestamp: message.Timestamp,
	})
}

// normalize keeps empty collections encoded as [] rather than null.
func normalize(payload Payload) Payload {
	switch typed := payload.(type) {
	case Sync:
		if typed.Strokes == nil {
			typed.Strokes = []Stroke{}
		}
		if typed.Users == nil {
			typed.Users = []User{}
		}
		return typed
	case Draw:
		typed.Stroke = normalizeStroke(typed.Stroke)
		return typed
	case Redo:
		typed.Stroke = normalizeStroke(typed.Stroke)
		return typed
	default:
		return payload
	}
}

func normalizeStroke(stroke Stroke) Stroke {
	if stroke.Points == nil {
		stroke.Points = []Point{}
	}
	return stroke
}
