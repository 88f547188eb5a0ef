package account

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes card and wallet management endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type limitsRequest struct {
	SpendingLimit decimal.Decimal `json:"spendingLimit"`
	DailyLimit    decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit  decimal.Decimal `json:"monthlyLimit"`
}

type issueCardRequest struct {
	WalletID         string        `json:"walletId"`
	Limits           limitsRequest `json:"limits"`
	AllowedMCC       []string      `json:"allowedMcc"`
	BlockedMCC       []string      `json:"blockedMcc"`
	AllowedCountries []string      `json:"allowedCountries"`
	BlockedCountries []string      `json:"blockedCountries"`
	Disposable       bool          `json:"disposable"`
}

type linkWalletRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// CardResponse is the public view of a card.
type CardResponse struct {
	ID               string          `json:"id"`
	WalletID         string          `json:"walletId,omitempty"`
	Status           string          `json:"status"`
	TotalSpent       decimal.Decimal `json:"totalSpent"`
	MonthlySpent     decimal.Decimal `json:"monthlySpent"`
	SpendingLimit    decimal.Decimal `json:"spendingLimit"`
	DailyLimit       decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit     decimal.Decimal `json:"monthlyLimit"`
	AllowedMCC       []string        `json:"allowedMcc"`
	BlockedMCC       []string        `json:"blockedMcc"`
	AllowedCountries []string        `json:"allowedCountries"`
	BlockedCountries []string        `json:"blockedCountries"`
	Disposable       bool            `json:"disposable"`
}

func toCardResponse(c Card) CardResponse {
	return CardResponse{
		ID:               c.ID,
		WalletID:         c.WalletID,
		Status:           c.Status,
		TotalSpent:       c.TotalSpent,
		MonthlySpent:     c.MonthlySpent,
		SpendingLimit:    c.SpendingLimit,
		DailyLimit:       c.DailyLimit,
		MonthlyLimit:     c.MonthlyLimit,
		AllowedMCC:       c.AllowedMCC,
		BlockedMCC:       c.BlockedMCC,
		AllowedCountries: c.AllowedCountries,
		BlockedCountries: c.BlockedCountries,
		Disposable:       c.Disposable,
	}
}

// IssueCard issues a card for the authenticated account.
func (h *Handler) IssueCard(c *fiber.Ctx) error {
	var req issueCardRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	card, err := h.service.IssueCard(c.UserContext(), IssueCardInput{
		AccountID: accountID(c),
		WalletID:  req.WalletID,
		Limits: Limits{
			SpendingLimit: req.Limits.SpendingLimit,
			DailyLimit:    req.Limits.DailyLimit,
			MonthlyLimit:  req.Limits.MonthlyLimit,
		},
		Restrict: Restrictions{
			AllowedMCC:       req.AllowedMCC,
			BlockedMCC:       req.BlockedMCC,
			AllowedCountries: req.AllowedCountries,
			BlockedCountries: req.BlockedCountries,
		},
		Disposable: req.Disposable,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toCardResponse(card))
}

// LinkWallet registers an on-chain wallet for the authenticated account.
func (h *Handler) LinkWallet(c *fiber.Ctx) error {
	var req linkWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.LinkWallet(c.UserContext(), LinkWalletInput{
		AccountID: accountID(c),
		Chain:     req.Chain,
		Address:   req.Address,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"id":      w.ID,
		"chain":   w.Chain,
		"address": w.Address,
	})
}

// GetCard returns a card owned by the caller.
func (h *Handler) GetCard(c *fiber.Ctx) error {
	card, err := h.service.Card(c.UserContext(), accountID(c), c.Params("cardId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Freeze suspends a card.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Freeze(c.UserContext(), accountID(c), c.Params("cardId")))
}

// Unfreeze reactivates a card.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Unfreeze(c.UserContext(), accountID(c), c.Params("cardId")))
}

// Cancel permanently deactivates a card.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Cancel(c.UserContext(), accountID(c), c.Params("cardId")))
}

// ResetMonthly zeroes the monthly counter.
func (h *Handler) ResetMonthly(c *fiber.Ctx) error {
	return h.respond(c)(h.service.ResetMonthly(c.UserContext(), accountID(c), c.Params("cardId")))
}

// UpdateLimits replaces the card limits.
func (h *Handler) UpdateLimits(c *fiber.Ctx) error {
	var req limitsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c)(h.service.UpdateLimits(c.UserContext(), accountID(c), c.Params("cardId"), Limits{
		SpendingLimit: req.SpendingLimit,
		DailyLimit:    req.DailyLimit,
		MonthlyLimit:  req.MonthlyLimit,
	}))
}

func (h *Handler) respond(c *fiber.Ctx) func(Card, error) error {
	return func(card Card, err error) error {
		if err != nil {
			return mapError(err)
		}
		return c.Status(http.StatusOK).JSON(toCardResponse(card))
	}
}

func accountID(c *fiber.Ctx) string {
	id, _ := c.Locals("account_id").(string)
	return id
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrCardNotFound), errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrCardCancelled):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
}
