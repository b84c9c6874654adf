package dto

import (
	"time"

	"github.com/parley-chat/parley-api/internal/models"
)

// SendRequest is the payload submitted when a client sends a message.
// Exactly one of Content / File is meaningful, chosen by the type tag;
// media sends carry a File reference produced by the upload step.
type SendRequest struct {
	ProvisionalID string         `json:"provisional_id" validate:"required,min=8,max=64"`
	ReceiverID    string         `json:"receiver_id" validate:"required,max=64"`
	Type          string         `json:"type" validate:"omitempty,oneof=text photo video audio file"`
	Content       string         `json:"content" validate:"omitempty,max=4000"`
	File          *FileReference `json:"file,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty" validate:"omitempty,max=36"`
}

// FileReference points at out-of-band binary content.
type FileReference struct {
	URL         string  `json:"url" validate:"required,max=512"`
	Name        string  `json:"name" validate:"omitempty,max=255"`
	Size        int64   `json:"size"`
	MimeType    string  `json:"mime_type" validate:"omitempty,max=128"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// HistoryQuery filters a paginated history read. The page token is the
// (creation timestamp, durable id) pair of the oldest message already
// held; the id disambiguates siblings sharing the boundary timestamp.
type HistoryQuery struct {
	RoomID   string     `query:"room_id" validate:"required,min=3,max=160"`
	Before   *time.Time `query:"before"`
	BeforeID string     `query:"before_id" validate:"omitempty,max=64"`
	Limit    int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// MarkSeenRequest acknowledges visibility of a batch of messages.
type MarkSeenRequest struct {
	RoomID     string   `json:"room_id" validate:"required,min=3,max=160"`
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=200,dive,max=64"`
}

// ReactionRequest adds or replaces the caller's reaction on a message.
type ReactionRequest struct {
	RoomID    string `json:"room_id" validate:"required,min=3,max=160"`
	MessageID string `json:"message_id" validate:"required,max=36"`
	Emoji     string `json:"emoji" validate:"required,max=16"`
}

// ReactionRemoveRequest clears the caller's reaction on a message.
type ReactionRemoveRequest struct {
	RoomID    string `json:"room_id" validate:"required,min=3,max=160"`
	MessageID string `json:"message_id" validate:"required,max=36"`
}

// MessageResponse is the serialized representation of a message, both
// over REST and as the payload of delivery-channel message events. The
// provisional id rides along so the sender can reconcile identifiers.
type MessageResponse struct {
	ID            string            `json:"id"`
	ProvisionalID string            `json:"provisional_id,omitempty"`
	RoomID        string            `json:"room_id"`
	SenderID      string            `json:"sender_id"`
	ReceiverID    string            `json:"receiver_id"`
	Type          string            `json:"type"`
	Content       string            `json:"content,omitempty"`
	File          *FileReference    `json:"file,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Status        string            `json:"status"`
	Reactions     map[string]string `json:"reactions,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewMessageResponse converts a model into its wire representation.
func NewMessageResponse(message models.Message) MessageResponse {
	response := MessageResponse{
		ID:            message.ID,
		ProvisionalID: message.ProvisionalID,
		RoomID:        message.RoomID,
		SenderID:      message.SenderID,
		ReceiverID:    message.ReceiverID,
		Type:          string(message.Type),
		Content:       message.Content,
		Status:        message.Status,
		CreatedAt:     message.CreatedAt,
	}
	if message.ReplyToID != nil {
		response.ReplyTo = *message.ReplyToID
	}
	if message.HasFile() {
		response.File = &FileReference{
			URL:         message.FileURL,
			Name:        message.FileName,
			Size:        message.FileSize,
			MimeType:    message.MimeType,
			DurationSec: message.DurationSec,
		}
	}
	if len(message.Reactions) > 0 {
		response.Reactions = make(map[string]string, len(message.Reactions))
		for user, value := range message.Reactions {
			if emoji, ok := value.(string); ok {
				response.Reactions[user] = emoji
			}
		}
	}
	return response
}

// NewMessageResponseSlice converts a slice of models into DTOs.
func NewMessageResponseSlice(messages []models.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageResponse(message))
	}
	return out
}

// ConversationSummary describes one entry of the recent-chats list.
// Derived view state: computed from the canonical message order, never
// cached or stored.
type ConversationSummary struct {
	RoomID      string          `json:"room_id"`
	PeerID      string          `json:"peer_id"`
	LastMessage MessageResponse `json:"last_message"`
	UnseenCount int64           `json:"unseen_count"`
}

// UploadResponse reports the stored file reference after a media upload.
type UploadResponse struct {
	File FileReference `json:"file"`
}
