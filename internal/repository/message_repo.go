package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/models"
)

// MessageRepository is the durable, queryable record of all messages.
// Every status and reaction mutation goes through here; nothing else
// may change message state.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (models.Message, error)
	ListByRoom(ctx context.Context, roomID string, before time.Time, beforeID string, limit int) ([]models.Message, error)
	LatestByRoom(ctx context.Context, roomID string) (models.Message, error)
	MarkSeen(ctx context.Context, roomID, receiverID string, ids []string) ([]string, error)
	SetReaction(ctx context.Context, id, userID, emoji string) (models.Message, error)
	RemoveReaction(ctx context.Context, id, userID string) (models.Message, error)
	ListRooms(ctx context.Context, userID string) ([]string, error)
	CountUnseen(ctx context.Context, roomID, receiverID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Type == "" {
		message.Type = models.MessageTypeText
	}
	if message.Status == "" {
		message.Status = models.MessageStatusSent
	}
	if message.Reactions == nil {
		message.Reactions = datatypes.JSONMap{}
	}
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListByRoom pages backwards through a room on the (created_at, id)
// tuple. Paging on the timestamp alone would skip siblings sharing the
// boundary timestamp, so callers holding a page pass its oldest id too.
func (r *messageRepository) ListByRoom(ctx context.Context, roomID string, before time.Time, beforeID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !before.IsZero() {
		if beforeID != "" {
			query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", before, before, beforeID)
		} else {
			query = query.Where("created_at < ?", before)
		}
	}

	var messages []models.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) LatestByRoom(ctx context.Context, roomID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at DESC").First(&message).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// MarkSeen applies the seen transition to a batch of messages and
// returns the ids that actually advanced. Only the receiver advances a
// message, and seen never regresses, so rows where the caller is the
// sender or the status is already seen are untouched. Calling it twice
// with the same set returns nothing the second time.
func (r *messageRepository) MarkSeen(ctx context.Context, roomID, receiverID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var updated []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("id IN ?", ids).
			Where("room_id = ?", roomID).
			Where("sender_id <> ?", receiverID).
			Where("status <> ?", models.MessageStatusSeen).
			Pluck("id", &updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		return tx.Model(&models.Message{}).
			Where("id IN ?", updated).
			Update("status", models.MessageStatusSeen).Error
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// SetReaction replaces the user's reaction on the message. At most one
// reaction per user is held; adding over an existing one overwrites it.
func (r *messageRepository) SetReaction(ctx context.Context, id, userID, emoji string) (models.Message, error) {
	return r.mutateReactions(ctx, id, func(reactions datatypes.JSONMap) {
		reactions[userID] = emoji
	})
}

func (r *messageRepository) RemoveReaction(ctx context.Context, id, userID string) (models.Message, error) {
	return r.mutateReactions(ctx, id, func(reactions datatypes.JSONMap) {
		delete(reactions, userID)
	})
}

func (r *messageRepository) mutateReactions(ctx context.Context, id string, mutate func(datatypes.JSONMap)) (models.Message, error) {
	var message models.Message

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&message, "id = ?", id).Error; err != nil {
			return err
		}
		if message.Reactions == nil {
			message.Reactions = datatypes.JSONMap{}
		}
		mutate(message.Reactions)
		return tx.Model(&message).Update("reactions", message.Reactions).Error
	})
	if err != nil {
		return models.Message{}, err
	}

	return message, nil
}

func (r *messageRepository) ListRooms(ctx context.Context, userID string) ([]string, error) {
	var rooms []string
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Distinct("room_id").
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Pluck("room_id", &rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *messageRepository) CountUnseen(ctx context.Context, roomID, receiverID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("room_id = ?", roomID).
		Where("receiver_id = ?", receiverID).
		Where("status <> ?", models.MessageStatusSeen).
		Count(&count).Error
	return count, err
}
