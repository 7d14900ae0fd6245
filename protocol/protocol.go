package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isdmx/codestation/room"
)

// Client to server events
const (
	JoinRoom = "join-room"
	AddTab   = "add-tab"
	SendMsg  = "send-msg"
	TypeCode = "type-code"
	TabsSync = "tabs-sync"
	RunCode  = "run-code"
	StopCode = "stop-code"
)

// Server to client events
const (
	JoinSuccess  = "join-success"
	JoinError    = "join-error"
	ChatMsg      = "chat-msg"
	CodeUpdate   = "code-update"
	TabsUpdate   = "tabs-update"
	OutputUpdate = "output-update"
)

// ErrMissingType is returned for frames without an event type
var ErrMissingType = errors.New("frame has no event type")

// Envelope is one frame on the wire
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Bind decodes the envelope payload into v. An absent payload leaves v untouched.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// JoinRoomPayload is sent by a client entering a room
type JoinRoomPayload struct {
	User string `json:"user"`
	Room string `json:"room"`
	Type string `json:"type"`
	Pass string `json:"pass"`
}

// AddTabPayload asks for a new default tab
type AddTabPayload struct {
	Room string `json:"room"`
}

// SendMsgPayload is a chat message from a client
type SendMsgPayload struct {
	Room string `json:"room"`
	User string `json:"user"`
	Text string `json:"text"`
}

// TypeCodePayload carries an edit of one tab
type TypeCodePayload struct {
	Room  string `json:"room"`
	TabID string `json:"tabId"`
	Code  string `json:"code"`
}

// TabsSyncPayload replaces the whole tab list of a room
type TabsSyncPayload struct {
	Room string     `json:"room"`
	Tabs []room.Tab `json:"tabs"`
}

// RunCodePayload asks to execute a tab
type RunCodePayload struct {
	Room  string `json:"room"`
	TabID string `json:"tabId"`
	Lang  string `json:"lang"`
	Code  string `json:"code"`
}

// StopCodePayload asks to stop a tab's execution
type StopCodePayload struct {
	Room  string `json:"room"`
	TabID string `json:"tabId"`
}

// CodeUpdatePayload relays an edit to the other members
type CodeUpdatePayload struct {
	TabID string `json:"tabId"`
	Code  string `json:"code"`
}

// OutputUpdatePayload carries the accumulated output of a tab
type OutputUpdatePayload struct {
	TabID string `json:"tabId"`
	Text  string `json:"text"`
}

// Encode builds a frame for eventType with payload as data
func Encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// Decode parses a frame
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// IsClientEvent reports whether eventType is one a client may send
func IsClientEvent(eventType string) bool {
	switch eventType {
	case JoinRoom, AddTab, SendMsg, TypeCode, TabsSync, RunCode, StopCode:
		return true
	default:
		return false
	}
}
