package auth

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/spendguard/internal/account"
)

// Handler opens accounts and hands out tokens. Account onboarding lives in an
// upstream identity service in production; this endpoint is registered only
// in development environments.
type Handler struct {
	accounts *account.Service
	issuer   *Issuer
	logger   *slog.Logger
}

// NewHandler constructs an auth handler.
func NewHandler(accounts *account.Service, issuer *Issuer, logger *slog.Logger) *Handler {
	return &Handler{accounts: accounts, issuer: issuer, logger: logger}
}

type openAccountRequest struct {
	Timezone string `json:"timezone"`
}

// OpenAccount creates an account and returns an access token for it.
func (h *Handler) OpenAccount(c *fiber.Ctx) error {
	var req openAccountRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	acct, err := h.accounts.Open(c.UserContext(), account.OpenInput{Timezone: req.Timezone})
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	token, exp, err := h.issuer.Issue(acct.ID)
	if err != nil {
		return err
	}
	h.logger.Info("account opened", slog.String("account_id", acct.ID), slog.String("timezone", acct.Timezone))
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"accountId":   acct.ID,
		"timezone":    acct.Timezone,
		"accessToken": token,
		"expiresAt":   exp.UTC(),
	})
}
