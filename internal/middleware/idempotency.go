package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/spendguard/internal/idempotency"
)

// IdempotencyKeyHeader carries the client-supplied idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	replayHeader = "Idempotent-Replayed"
	storeTimeout = 2 * time.Second
)

// ScopeFunc picks the namespace a key is unique within, typically the
// account id. Returning "" disables deduplication for the request.
type ScopeFunc func(c *fiber.Ctx) string

// Idempotency replays the stored response for a repeated Idempotency-Key on
// unsafe methods. Requests without the header are passed through. Only 2xx
// responses are stored; anything else releases the reservation so the client
// may retry.
func Idempotency(guard idempotency.Guard, scope ScopeFunc, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
		if key == "" {
			return c.Next()
		}
		if len(key) > 255 {
			return fiber.NewError(http.StatusBadRequest, "Idempotency-Key too long")
		}
		ns := scope(c)
		if ns == "" {
			return c.Next()
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
		defer cancel()

		res, err := guard.Check(ctx, key, ns)
		if err != nil {
			logger.Error("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "idempotency store failure")
		}
		if res.IsDuplicate {
			return replay(c, res)
		}

		reserved, err := guard.Reserve(ctx, key, ns)
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "idempotency reservation failure")
		}
		if !reserved {
			// Lost the race to a concurrent duplicate.
			res, err := guard.Check(ctx, key, ns)
			if err != nil || !res.IsDuplicate {
				return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
			}
			return replay(c, res)
		}

		if err := c.Next(); err != nil {
			release(guard, key, ns, logger)
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			release(guard, key, ns, logger)
			return nil
		}

		stored := idempotency.Response{
			Status:  status,
			Body:    string(c.Response().Body()),
			Headers: map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})

		persistCtx, persistCancel := context.WithTimeout(context.Background(), storeTimeout)
		defer persistCancel()
		if err := guard.Store(persistCtx, key, ns, stored); err != nil {
			// The side effect already happened; keep the in-progress marker so
			// retries get a 409 instead of re-executing.
			logger.Error("failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
		}
		return nil
	}
}

func replay(c *fiber.Ctx, res idempotency.Result) error {
	if res.InProgress || res.Response == nil {
		return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
	}
	for header, value := range res.Response.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) || strings.EqualFold(header, requestIDHeader) {
			continue
		}
		c.Set(header, value)
	}
	c.Set(replayHeader, "true")
	return c.Status(res.Response.Status).SendString(res.Response.Body)
}

func release(guard idempotency.Guard, key, scope string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := guard.Release(ctx, key, scope); err != nil {
		logger.Warn("idempotency release failed", slog.String("key", key), slog.Any("error", err))
	}
}
