package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/observability"
	"github.com/parley-chat/parley-api/internal/repository"
)

var (
	// ErrInvalidParticipant indicates a malformed or impossible identity pair.
	ErrInvalidParticipant = errors.New("invalid participant identity")
	// ErrSendFailed indicates durable persistence was rejected or unreachable.
	ErrSendFailed = errors.New("message persistence failed")
	// ErrNotAuthorised indicates the caller is not a member of the room.
	ErrNotAuthorised = errors.New("caller not authorised for room")
	// ErrReplyNotFound indicates the reply target does not exist in the room.
	ErrReplyNotFound = errors.New("reply target not found in room")
	// ErrInvalidMessage indicates a payload the sender must correct.
	ErrInvalidMessage = errors.New("invalid message payload")
)

// EventSink receives events for fan-out to room subscribers, both on
// this node and across the bridge.
type EventSink interface {
	Fanout(ctx context.Context, roomID string, envelope dto.Envelope)
}

// MessageService orchestrates the server side of a send: durable write,
// cache invalidation and delivery-channel fan-out, plus the per-message
// status machine and reaction set.
type MessageService struct {
	repo      repository.MessageRepository
	history   HistoryService
	sink      EventSink
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewMessageService constructs the orchestrator. The event sink is
// attached afterwards; the delivery channel needs the service to handle
// inbound frames, so the two meet through AttachSink.
func NewMessageService(repo repository.MessageRepository, history HistoryService, validate *validator.Validate, logger zerolog.Logger) *MessageService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &MessageService{
		repo:      repo,
		history:   history,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/parley-chat/parley-api/internal/service/message"),
	}
}

// AttachSink wires the delivery channel in once it exists.
func (s *MessageService) AttachSink(sink EventSink) {
	s.sink = sink
}

// Send validates, persists and fans out one message. The returned
// response carries both the durable id and the caller's provisional id
// so the sender can reconcile its optimistic entry in place.
func (s *MessageService) Send(ctx context.Context, senderID string, payload dto.SendRequest) (dto.MessageResponse, error) {
	payload.ReceiverID = strings.TrimSpace(payload.ReceiverID)
	payload.ProvisionalID = strings.TrimSpace(payload.ProvisionalID)

	if err := s.validator.Struct(payload); err != nil {
		return dto.MessageResponse{}, err
	}

	if !models.ValidParticipant(senderID) || !models.ValidParticipant(payload.ReceiverID) || senderID == payload.ReceiverID {
		return dto.MessageResponse{}, ErrInvalidParticipant
	}

	messageType := models.MessageType(payload.Type)
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if !messageType.Valid() {
		return dto.MessageResponse{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, payload.Type)
	}

	roomID := models.RoomID(senderID, payload.ReceiverID)

	model := models.Message{
		ProvisionalID: payload.ProvisionalID,
		RoomID:        roomID,
		SenderID:      senderID,
		ReceiverID:    payload.ReceiverID,
		Type:          messageType,
		Status:        models.MessageStatusSent,
	}

	if messageType.Inline() {
		clean := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
		if clean == "" {
			return dto.MessageResponse{}, fmt.Errorf("%w: content empty after sanitization", ErrInvalidMessage)
		}
		model.Content = clean
	} else {
		if payload.File == nil || strings.TrimSpace(payload.File.URL) == "" {
			return dto.MessageResponse{}, fmt.Errorf("%w: file reference required for %s message", ErrInvalidMessage, messageType)
		}
		model.FileURL = payload.File.URL
		model.FileName = payload.File.Name
		model.FileSize = payload.File.Size
		model.MimeType = payload.File.MimeType
		model.DurationSec = payload.File.DurationSec
		// Captions on media messages are allowed alongside the file ref.
		if caption := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content)); caption != "" {
			model.Content = caption
		}
	}

	if replyTo := strings.TrimSpace(payload.ReplyTo); replyTo != "" {
		target, err := s.repo.GetByID(ctx, replyTo)
		if err != nil || target.RoomID != roomID {
			return dto.MessageResponse{}, ErrReplyNotFound
		}
		model.ReplyToID = &target.ID
	}

	spanCtx, span := s.tracer.Start(ctx, "message.send", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.sender_id", senderID),
		attribute.String("chat.type", string(messageType)),
	))
	defer span.End()

	if err := s.repo.Save(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.history.InvalidateRoom(spanCtx, roomID)

	response := dto.NewMessageResponse(model)
	s.fanout(spanCtx, roomID, dto.NewEnvelope(dto.EventMessage, roomID, response))

	observability.ChatMessagesSent().WithLabelValues(string(messageType)).Inc()

	return response, nil
}

// MarkSeen applies the seen transition to a batch of messages on behalf
// of the receiver. Idempotent; already-seen messages and the caller's
// own messages are skipped. The status event carries only the ids the
// store actually advanced; a receipt that changed nothing stays silent,
// so subscribers never diverge from the durable state.
func (s *MessageService) MarkSeen(ctx context.Context, userID string, payload dto.MarkSeenRequest) (int64, error) {
	if err := s.validator.Struct(payload); err != nil {
		return 0, err
	}

	if !models.RoomHasMember(payload.RoomID, userID) {
		return 0, ErrNotAuthorised
	}

	spanCtx, span := s.tracer.Start(ctx, "message.mark_seen", trace.WithAttributes(
		attribute.String("chat.room_id", payload.RoomID),
		attribute.Int("chat.batch_size", len(payload.MessageIDs)),
	))
	defer span.End()

	updated, err := s.repo.MarkSeen(spanCtx, payload.RoomID, userID, payload.MessageIDs)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if len(updated) == 0 {
		return 0, nil
	}

	s.history.InvalidateRoom(spanCtx, payload.RoomID)
	observability.SeenTransitions().Add(float64(len(updated)))

	s.fanout(spanCtx, payload.RoomID, dto.NewEnvelope(dto.EventStatus, payload.RoomID, dto.StatusEvent{
		RoomID: payload.RoomID,
		IDs:    updated,
		Status: models.MessageStatusSeen,
	}))

	return int64(len(updated)), nil
}

// SetReaction replaces the caller's reaction on a message and fans out
// the authoritative set.
func (s *MessageService) SetReaction(ctx context.Context, userID string, payload dto.ReactionRequest) (dto.MessageResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.MessageResponse{}, err
	}
	if !models.RoomHasMember(payload.RoomID, userID) {
		return dto.MessageResponse{}, ErrNotAuthorised
	}

	message, err := s.repo.SetReaction(ctx, payload.MessageID, userID, payload.Emoji)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	observability.ReactionUpdates().WithLabelValues("add").Inc()
	return s.publishReaction(ctx, message), nil
}

// RemoveReaction clears the caller's reaction on a message.
func (s *MessageService) RemoveReaction(ctx context.Context, userID string, payload dto.ReactionRemoveRequest) (dto.MessageResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.MessageResponse{}, err
	}
	if !models.RoomHasMember(payload.RoomID, userID) {
		return dto.MessageResponse{}, ErrNotAuthorised
	}

	message, err := s.repo.RemoveReaction(ctx, payload.MessageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	observability.ReactionUpdates().WithLabelValues("remove").Inc()
	return s.publishReaction(ctx, message), nil
}

func (s *MessageService) publishReaction(ctx context.Context, message models.Message) dto.MessageResponse {
	response := dto.NewMessageResponse(message)

	s.history.InvalidateRoom(ctx, message.RoomID)
	s.fanout(ctx, message.RoomID, dto.NewEnvelope(dto.EventReaction, message.RoomID, dto.ReactionEvent{
		RoomID:    message.RoomID,
		MessageID: message.ID,
		Reactions: response.Reactions,
	}))

	return response
}

// History returns one page of room history for an authorised member.
func (s *MessageService) History(ctx context.Context, userID string, query dto.HistoryQuery) ([]dto.MessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if !models.RoomHasMember(query.RoomID, userID) {
		return nil, ErrNotAuthorised
	}
	return s.history.GetHistory(ctx, query)
}

// Latest returns the newest message of a room, used to prime a freshly
// joined subscriber.
func (s *MessageService) Latest(ctx context.Context, roomID string) (dto.MessageResponse, bool) {
	message, err := s.repo.LatestByRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to load latest room message")
		}
		return dto.MessageResponse{}, false
	}
	return dto.NewMessageResponse(message), true
}

// Conversations builds the recent-chats list for a user: latest message
// plus unseen count per room, newest first. Derived view state computed
// from the canonical message order; never cached.
func (s *MessageService) Conversations(ctx context.Context, userID string) ([]dto.ConversationSummary, error) {
	if !models.ValidParticipant(userID) {
		return nil, ErrInvalidParticipant
	}

	rooms, err := s.repo.ListRooms(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]dto.ConversationSummary, 0, len(rooms))
	for _, roomID := range rooms {
		latest, err := s.repo.LatestByRoom(ctx, roomID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}

		unseen, err := s.repo.CountUnseen(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}

		a, b, _ := models.RoomMembers(roomID)
		peer := a
		if peer == userID {
			peer = b
		}

		summaries = append(summaries, dto.ConversationSummary{
			RoomID:      roomID,
			PeerID:      peer,
			LastMessage: dto.NewMessageResponse(latest),
			UnseenCount: unseen,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessage.CreatedAt.After(summaries[j].LastMessage.CreatedAt)
	})

	return summaries, nil
}

func (s *MessageService) fanout(ctx context.Context, roomID string, envelope dto.Envelope) {
	if s.sink == nil {
		return
	}
	s.sink.Fanout(ctx, roomID, envelope)
}
