package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/spendguard/internal/validate"
)

type errorBody struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Fields  []validate.FieldError `json:"fields,omitempty"`
}

// ErrorHandler renders every error as {"error": {code, message, fields}}.
// Internal failures never leak their cause.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var verr *validate.Error
		if errors.As(err, &verr) {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errorBody{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  verr.Fields,
			}})
		}

		status := http.StatusInternalServerError
		message := ""
		var ferr *fiber.Error
		if errors.As(err, &ferr) {
			status = ferr.Code
			message = ferr.Message
		}
		if status == http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
			return c.Status(status).JSON(fiber.Map{"error": errorBody{
				Code:    "SYSTEM_ERROR",
				Message: "internal error",
			}})
		}
		return c.Status(status).JSON(fiber.Map{"error": errorBody{
			Code:    codeFor(status),
			Message: message,
		}})
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UPSTREAM_ERROR"
	default:
		return "REQUEST_ERROR"
	}
}
