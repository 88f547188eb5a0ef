package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds a readiness endpoint reporting store connectivity.
// Ping errors are logged, never returned to the caller.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := "ok"
		redisStatus := "ok"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB == nil {
			dbStatus = "memory"
		} else if err := d.DB.Ping(ctx); err != nil {
			d.Logger.Warn("postgres health check failed", slog.Any("error", err))
			dbStatus = "down"
		}
		if d.Cache == nil {
			redisStatus = "memory"
		} else if err := d.Cache.Ping(ctx).Err(); err != nil {
			d.Logger.Warn("redis health check failed", slog.Any("error", err))
			redisStatus = "down"
		}
		status := http.StatusOK
		if dbStatus == "down" || redisStatus == "down" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"postgres": dbStatus, "redis": redisStatus},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
