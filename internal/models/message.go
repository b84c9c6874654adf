package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message statuses. Seen is terminal; a message never regresses to an
// earlier status once the receiver has acknowledged it.
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusSeen      = "seen"
)

// MessageType enumerates the supported content kinds.
type MessageType string

// Supported message type tags.
const (
	MessageTypeText  MessageType = "text"
	MessageTypePhoto MessageType = "photo"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether the type tag is one of the closed set.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypePhoto, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// Inline reports whether the content payload lives inline rather than
// behind a file reference.
func (t MessageType) Inline() bool {
	return t == MessageTypeText
}

// Message is the durable record of a single chat payload. The primary
// key is assigned server-side at persistence time; ProvisionalID holds
// the client-generated token used until the identifiers are reconciled.
// Ordering within a room follows CreatedAt, never the identifier.
type Message struct {
	ID            string            `gorm:"size:36;primaryKey" json:"id"`
	ProvisionalID string            `gorm:"size:64;index" json:"provisional_id"`
	RoomID        string            `gorm:"size:160;index:idx_messages_room_time,priority:1" json:"room_id"`
	SenderID      string            `gorm:"size:64;index" json:"sender_id"`
	ReceiverID    string            `gorm:"size:64;index" json:"receiver_id"`
	Type          MessageType       `gorm:"size:16;default:text" json:"type"`
	Content       string            `gorm:"type:text" json:"content"`
	FileURL       string            `gorm:"size:512" json:"file_url"`
	FileName      string            `gorm:"size:255" json:"file_name"`
	FileSize      int64             `json:"file_size"`
	MimeType      string            `gorm:"size:128" json:"mime_type"`
	DurationSec   float64           `json:"duration_sec"`
	ReplyToID     *string           `gorm:"size:36" json:"reply_to_id,omitempty"`
	Status        string            `gorm:"size:16;default:sent;index" json:"status"`
	Reactions     datatypes.JSONMap `gorm:"type:json" json:"reactions"`
	CreatedAt     time.Time         `gorm:"index:idx_messages_room_time,priority:2" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasFile reports whether the message carries an out-of-band payload.
func (m Message) HasFile() bool {
	return !m.Type.Inline() && m.FileURL != ""
}
