// Package wire defines the JSON frame protocol spoken between the engine
// and the room-coordination server. One message per frame, discriminated by
// a "type" field. Decoding validates each kind's required fields before
// dispatch; a frame that fails to decode is dropped by the caller, never
// applied.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/STNx99/webbuilderver2-sub001/document"
)

// Kind discriminates the wire message types.
type Kind string

const (
	KindSync            Kind = "sync"
	KindUpdate          Kind = "update"
	KindCurrentState    Kind = "currentState"
	KindCursorMove      Kind = "cursorMove"
	KindElementSelected Kind = "elementSelected"
	KindUserDisconnect  Kind = "userDisconnect"
	KindError           Kind = "error"
)

// Message is the closed set of frame payloads. Each concrete type reports
// its kind and validates its own required fields.
type Message interface {
	Kind() Kind
	Validate() error
}

// UserInfo is the identity part of a presence roster entry.
type UserInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
}

// CursorPosition is one user's pointer coordinate.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SyncMessage carries the authoritative full snapshot a client receives on
// join.
type SyncMessage struct {
	Elements document.Snapshot `json:"elements"`
}

func (SyncMessage) Kind() Kind { return KindSync }

func (m SyncMessage) Validate() error {
	if m.Elements == nil {
		return fmt.Errorf("sync: missing elements")
	}
	return nil
}

// UpdateMessage carries a full snapshot replace after some participant
// changed the tree.
type UpdateMessage struct {
	Elements document.Snapshot `json:"elements"`
}

func (UpdateMessage) Kind() Kind { return KindUpdate }

func (m UpdateMessage) Validate() error {
	if m.Elements == nil {
		return fmt.Errorf("update: missing elements")
	}
	return nil
}

// CurrentStateMessage is the periodic presence roster refresh.
type CurrentStateMessage struct {
	MousePositions   map[string]CursorPosition `json:"mousePositions"`
	SelectedElements map[string]string         `json:"selectedElements"`
	Users            map[string]UserInfo       `json:"users"`
}

func (CurrentStateMessage) Kind() Kind { return KindCurrentState }

func (m CurrentStateMessage) Validate() error {
	if m.MousePositions == nil || m.SelectedElements == nil || m.Users == nil {
		return fmt.Errorf("currentState: missing roster maps")
	}
	return nil
}

// CursorMoveMessage is one user's ephemeral pointer broadcast.
type CursorMoveMessage struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func (CursorMoveMessage) Kind() Kind { return KindCursorMove }

func (m CursorMoveMessage) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("cursorMove: missing userId")
	}
	return nil
}

// ElementSelectedMessage is one user's ephemeral selection broadcast. An
// empty element id clears the selection.
type ElementSelectedMessage struct {
	UserID    string `json:"userId"`
	ElementID string `json:"elementId"`
}

func (ElementSelectedMessage) Kind() Kind { return KindElementSelected }

func (m ElementSelectedMessage) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("elementSelected: missing userId")
	}
	return nil
}

// UserDisconnectMessage removes a departed user from the roster.
type UserDisconnectMessage struct {
	UserID string `json:"userId"`
}

func (UserDisconnectMessage) Kind() Kind { return KindUserDisconnect }

func (m UserDisconnectMessage) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("userDisconnect: missing userId")
	}
	return nil
}

// ErrorMessage is a server-reported failure with a human-readable reason.
type ErrorMessage struct {
	Error string `json:"error"`
}

func (ErrorMessage) Kind() Kind { return KindError }

func (m ErrorMessage) Validate() error {
	if m.Error == "" {
		return fmt.Errorf("error: missing error text")
	}
	return nil
}

// Encode serializes a message to one wire frame.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Kind(), err)
	}

	// Splice the discriminator into the payload object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Kind(), err)
	}
	fields["type"], err = json.Marshal(msg.Kind())
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// Decode parses and validates one wire frame. Unknown kinds and frames
// failing structural validation return an error; the caller drops the frame
// and keeps the connection alive.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg Message
	var err error
	switch head.Type {
	case KindSync:
		var m SyncMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindUpdate:
		var m UpdateMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindCurrentState:
		var m CurrentStateMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindCursorMove:
		var m CursorMoveMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindElementSelected:
		var m ElementSelectedMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindUserDisconnect:
		var m UserDisconnectMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case KindError:
		var m ErrorMessage
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
