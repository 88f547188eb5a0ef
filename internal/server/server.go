package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/spendguard/internal/config"
	"github.com/congo-pay/spendguard/internal/middleware"
	"github.com/congo-pay/spendguard/internal/routes"
)

// Server wraps the Fiber application and the background workers it owns.
type Server struct {
	app     *fiber.App
	cfg     config.Config
	runtime *routes.Runtime
	logger  *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logger))

	rt, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, runtime: rt, logger: logger}, nil
}

// StartWorkers launches the reconciliation loop. It stops when ctx is
// cancelled; Shutdown waits for it.
func (s *Server) StartWorkers(ctx context.Context) {
	s.runtime.Reconciler.Start(ctx)
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, waits for an in-flight reconciliation
// pass, then drains queued notifications. Cancel the workers' context first.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	if err := s.runtime.Reconciler.Wait(ctx); err != nil {
		s.logger.Warn("reconcile pass still running at shutdown deadline", slog.Any("error", err))
	}
	if err := s.runtime.Dispatcher.Close(ctx); err != nil {
		s.logger.Warn("notification queue not drained", slog.Any("error", err))
	}
	return nil
}
