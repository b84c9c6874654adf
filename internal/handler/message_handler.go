package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/middleware"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/service"
	"github.com/parley-chat/parley-api/internal/utils"
)

// MessageHandler exposes the REST surface of the sync protocol: sends,
// history pages, seen receipts, reactions and the conversation list.
type MessageHandler struct {
	messages  *service.MessageService
	uploads   service.UploadService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewMessageHandler creates a message handler instance.
func NewMessageHandler(messages *service.MessageService, uploads service.UploadService, validate *validator.Validate, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		messages:  messages,
		uploads:   uploads,
		validator: validate,
		logger:    logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register binds message routes under the provided router group.
func (h *MessageHandler) Register(router fiber.Router) {
	router.Post("", h.send)
	router.Post("/media", h.sendMedia)
	router.Get("/history", h.history)
	router.Post("/seen", h.markSeen)
	router.Post("/reactions", h.addReaction)
	router.Delete("/reactions", h.removeReaction)
}

// RegisterConversations binds the recent-chats listing.
func (h *MessageHandler) RegisterConversations(router fiber.Router) {
	router.Get("", h.conversations)
}

func (h *MessageHandler) send(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	var payload dto.SendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.messages.Send(h.requestContext(c), userID, payload)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message stored", response)
}

// sendMedia uploads the attached binary payload and then persists the
// message carrying its reference. The upload runs first; if the binary
// store rejects it nothing reaches the message store.
func (h *MessageHandler) sendMedia(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	messageType := models.MessageType(strings.TrimSpace(c.FormValue("type")))
	if messageType == "" {
		messageType = models.MessageTypeFile
	}
	if messageType.Inline() || !messageType.Valid() {
		return utils.SendError(c, fiber.StatusBadRequest, "type must be one of photo, video, audio, file")
	}

	duration := 0.0
	if raw := strings.TrimSpace(c.FormValue("duration_sec")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid duration_sec")
		}
		duration = parsed
	}

	ctx := h.requestContext(c)

	reference, err := h.uploads.Upload(ctx, file, messageType, duration)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	payload := dto.SendRequest{
		ProvisionalID: strings.TrimSpace(c.FormValue("provisional_id")),
		ReceiverID:    strings.TrimSpace(c.FormValue("receiver_id")),
		Type:          string(messageType),
		Content:       c.FormValue("caption"),
		File:          &reference,
		ReplyTo:       strings.TrimSpace(c.FormValue("reply_to")),
	}

	response, err := h.messages.Send(ctx, userID, payload)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message stored", response)
}

func (h *MessageHandler) history(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	roomID := c.Query("room_id")
	if roomID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "room_id required")
	}

	var beforePtr *time.Time
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		beforePtr = &parsed
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.HistoryQuery{
		RoomID:   roomID,
		Before:   beforePtr,
		BeforeID: c.Query("before_id"),
		Limit:    limit,
	}

	messages, err := h.messages.History(h.requestContext(c), userID, query)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *MessageHandler) markSeen(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	var payload dto.MarkSeenRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	affected, err := h.messages.MarkSeen(h.requestContext(c), userID, payload)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "messages marked seen", fiber.Map{"updated": affected})
}

func (h *MessageHandler) addReaction(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	var payload dto.ReactionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.messages.SetReaction(h.requestContext(c), userID, payload)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "reaction stored", response)
}

func (h *MessageHandler) removeReaction(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	var payload dto.ReactionRemoveRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.messages.RemoveReaction(h.requestContext(c), userID, payload)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "reaction removed", response)
}

func (h *MessageHandler) conversations(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user identity missing")
	}

	summaries, err := h.messages.Conversations(h.requestContext(c), userID)
	if err != nil {
		return sendServiceError(c, requestLogger(h.logger, c), err)
	}

	return utils.SendSuccess(c, "conversations", summaries)
}

func (h *MessageHandler) requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}
