package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-alerts/internal/config"
	"github.com/noah-isme/gema-alerts/internal/handler"
	"github.com/noah-isme/gema-alerts/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AlertHandler *handler.AlertHandler
	AlertCounter handler.AlertCounter
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.AlertCounter))

	if deps.AlertHandler != nil {
		deps.AlertHandler.Register(api.Group("/alerts"))
	}
}
