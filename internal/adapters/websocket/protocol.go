package websocket

import (
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// Subprotocol spoken on the role feed.
const Subprotocol = "json.v1"

// MessageType values of the json.v1 subprotocol.
const (
	MessageTypeReady        = "ready"
	MessageTypeRolesChanged = "roles_changed"
	MessageTypeError        = "error"
)

// BaseMessage is the envelope of every message in the json.v1 subprotocol.
type BaseMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewReadyMessage carries the mirror as it is when the client connects.
func NewReadyMessage(current domain.RoleChange) BaseMessage {
	return BaseMessage{Type: MessageTypeReady, Payload: current}
}

// NewRolesChangedMessage carries the mirror after a change.
func NewRolesChangedMessage(change domain.RoleChange) BaseMessage {
	return BaseMessage{Type: MessageTypeRolesChanged, Payload: change}
}

// NewErrorMessage wraps a domain.ErrorResponse.
func NewErrorMessage(errResp domain.ErrorResponse) BaseMessage {
	return BaseMessage{Type: MessageTypeError, Payload: errResp}
}
