package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/config"
	"github.com/parley-chat/parley-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
// Components lists the state of each wired backend; a degraded backend
// flips the overall status but never fails the request.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Components  map[string]string `json:"components,omitempty"`
}

// HealthDependencies holds the backends the health endpoint probes.
// Nil entries are skipped, so a deployment without the NATS bridge
// simply omits that component.
type HealthDependencies struct {
	DB    *gorm.DB
	Redis *redis.Client
	NATS  *nats.Conn
}

// HealthCheck returns a handler that reports application health plus
// the liveness of the message store, cache and cross-node bridge.
func HealthCheck(cfg config.Config, deps HealthDependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := "ok"
		components := make(map[string]string)

		if deps.DB != nil {
			state := "up"
			if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
				state = "down"
				status = "degraded"
			}
			components["database"] = state
		}

		if deps.Redis != nil {
			state := "up"
			if err := deps.Redis.Ping(c.UserContext()).Err(); err != nil {
				state = "down"
				status = "degraded"
			}
			components["redis"] = state
		}

		if deps.NATS != nil {
			state := "up"
			if !deps.NATS.IsConnected() {
				state = "down"
				status = "degraded"
			}
			components["nats"] = state
		}

		payload := HealthResponse{
			Status:      status,
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Components:  components,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
