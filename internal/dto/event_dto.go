package dto

import "encoding/json"

// Delivery-channel event kinds. Inbound frames from clients and
// outbound pushes share the same envelope.
const (
	EventSend           = "send"
	EventMessage        = "message"
	EventStatus         = "status"
	EventMarkSeen       = "mark_seen"
	EventReaction       = "reaction"
	EventReactionAdd    = "reaction_add"
	EventReactionRemove = "reaction_remove"
	EventTyping         = "typing"
	EventPresence       = "presence"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventError          = "error"
)

// Envelope is the frame exchanged over the delivery channel. Data holds
// the kind-specific payload and is decoded by the dispatcher.
type Envelope struct {
	Event  string          `json:"event"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope. Marshal failures
// collapse to an empty data field; payloads here are library types that
// cannot fail to encode.
func NewEnvelope(event, roomID string, payload any) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Event: event, RoomID: roomID, Data: data}
}

// StatusEvent mirrors a status transition to subscribers. IDs is an
// array so a bulk mark-seen travels as one event.
type StatusEvent struct {
	RoomID string   `json:"room_id"`
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

// ReactionEvent carries the authoritative reaction set of one message
// after a mutation.
type ReactionEvent struct {
	RoomID    string            `json:"room_id"`
	MessageID string            `json:"message_id"`
	Reactions map[string]string `json:"reactions"`
}

// TypingEvent is the advisory composing signal. Superseded by the next
// signal for the same (room, user); never acknowledged.
type TypingEvent struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// PresenceEvent broadcasts the coarse online-user set.
type PresenceEvent struct {
	Online []string `json:"online"`
}

// JoinEvent subscribes the connection to a room group.
type JoinEvent struct {
	RoomID string `json:"room_id"`
}

// ErrorEvent reports a rejected inbound frame back to its sender.
type ErrorEvent struct {
	RoomID  string `json:"room_id,omitempty"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}
