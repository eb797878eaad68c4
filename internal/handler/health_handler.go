package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-alerts/internal/config"
	"github.com/noah-isme/gema-alerts/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Alerts      int       `json:"alerts"`
}

// AlertCounter reports how many alerts are held in memory.
type AlertCounter interface {
	Len() int
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, counter AlertCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if counter != nil {
			payload.Alerts = counter.Len()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
