package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/parley-chat/parley-api/internal/config"
	"github.com/parley-chat/parley-api/internal/handler"
	"github.com/parley-chat/parley-api/internal/middleware"
	"github.com/parley-chat/parley-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler    *handler.ChatHandler
	MessageHandler *handler.MessageHandler
	HealthHandler  fiber.Handler
	JWTMiddleware  fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	healthHandler := deps.HealthHandler
	if healthHandler == nil {
		healthHandler = handler.HealthCheck(cfg, handler.HealthDependencies{})
	}
	api.Get("/health", healthHandler)

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Realtime channel (websocket)
	if deps.ChatHandler != nil {
		chat := app.Group("/api/v1/chat", jwtMiddleware)
		deps.ChatHandler.Register(chat)
	}

	// Message REST surface
	if deps.MessageHandler != nil {
		messages := app.Group("/api/v1/messages", jwtMiddleware)
		messages.Use(middleware.RateLimit("messages", cfg.SendRateLimit, cfg.SendRateWindow))
		deps.MessageHandler.Register(messages)

		conversations := app.Group("/api/v1/conversations", jwtMiddleware)
		deps.MessageHandler.RegisterConversations(conversations)
	}
}
