package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/middleware"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/service"
)

// ChatHandler wires the delivery-channel websocket upgrade.
type ChatHandler struct {
	channel *service.ChannelService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(channel *service.ChannelService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		channel: channel,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds the websocket route under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketLocalString(conn, "user_id")
	if userID == "" || !models.ValidParticipant(userID) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user identity missing"))
		_ = conn.Close()
		return
	}

	// An optional peer query pre-joins the shared room; further rooms
	// are joined and left over the channel itself.
	roomID := ""
	if peer := strings.TrimSpace(conn.Query("peer")); peer != "" && models.ValidParticipant(peer) {
		roomID = models.RoomID(userID, peer)
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.ConnectionOptions{
		UserID:        userID,
		DisplayName:   websocketLocalString(conn, "user_name"),
		RoomID:        roomID,
		CorrelationID: websocketLocalString(conn, "correlation_id"),
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Str("room_id", roomID).Msg("delivery channel connected")
	h.channel.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Msg("delivery channel disconnected")
}

func websocketLocalString(conn *websocket.Conn, key string) string {
	if value := conn.Locals(key); value != nil {
		if str, ok := value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}
