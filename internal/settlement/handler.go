package settlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/chain"
	"github.com/congo-pay/spendguard/internal/decision"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/middleware"
	"github.com/congo-pay/spendguard/internal/validate"
)

var submitSchema = validate.MustCompile(`{
  "type": "object",
  "required": ["walletId", "chain", "signedPayload", "amountUsd"],
  "properties": {
    "walletId": {"type": "string", "minLength": 1},
    "chain": {"type": "string", "minLength": 1},
    "signedPayload": {"type": "string", "minLength": 1},
    "amountUsd": {"type": ["string", "number"]},
    "recipient": {"type": "string"}
  }
}`)

// Handler exposes transaction submission and status lookup.
type Handler struct {
	service    *Service
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler builds the transaction handler.
func NewHandler(service *Service, reconciler *Reconciler, logger *slog.Logger) *Handler {
	return &Handler{service: service, reconciler: reconciler, logger: logger}
}

type submitRequest struct {
	WalletID      string          `json:"walletId"`
	Chain         string          `json:"chain"`
	SignedPayload string          `json:"signedPayload"`
	AmountUSD     decimal.Decimal `json:"amountUsd"`
	Recipient     string          `json:"recipient"`
}

// TransactionResponse is the public view of an on-chain transaction.
type TransactionResponse struct {
	TransactionID string          `json:"transactionId"`
	TxHash        string          `json:"txHash"`
	Chain         string          `json:"chain"`
	Status        string          `json:"status"`
	AmountUSD     decimal.Decimal `json:"amountUsd"`
	Confirmations int64           `json:"confirmations"`
	BlockNumber   int64           `json:"blockNumber,omitempty"`
}

func toTransactionResponse(tx ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		TransactionID: tx.ID,
		TxHash:        tx.TxHash,
		Chain:         tx.Chain,
		Status:        tx.Status,
		AmountUSD:     tx.Amount,
		Confirmations: tx.Confirmations,
		BlockNumber:   tx.BlockNumber,
	}
}

// Submit handles POST /transactions.
func (h *Handler) Submit(c *fiber.Ctx) error {
	raw := c.Body()
	if err := submitSchema.Validate(raw); err != nil {
		return err
	}
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &validate.Error{Fields: []validate.FieldError{{Field: "amountUsd", Message: "must be a decimal number"}}}
	}
	if !req.AmountUSD.IsPositive() {
		return &validate.Error{Fields: []validate.FieldError{{Field: "amountUsd", Message: "must be greater than zero"}}}
	}

	res, err := h.service.Submit(c.UserContext(), SubmitInput{
		AccountID:     middleware.AccountID(c),
		WalletID:      req.WalletID,
		Chain:         req.Chain,
		SignedPayload: req.SignedPayload,
		AmountUSD:     req.AmountUSD,
		Recipient:     req.Recipient,
	})
	if err != nil {
		return h.mapError(err)
	}
	if !res.Decision.Approved {
		return c.Status(http.StatusUnprocessableEntity).JSON(decision.ToResponse(res.Decision))
	}
	return c.Status(http.StatusCreated).JSON(toTransactionResponse(res.Transaction))
}

// Status handles GET /transactions/:txHash and refreshes the row from the chain.
func (h *Handler) Status(c *fiber.Ctx) error {
	tx, err := h.reconciler.CheckOwnedByHash(c.UserContext(), middleware.AccountID(c), c.Params("txHash"))
	if errors.Is(err, ledger.ErrNotFound) {
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toTransactionResponse(tx))
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, chain.ErrUnsupportedChain), errors.Is(err, chain.ErrInvalidPayload):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chain.ErrRejected):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chain.ErrUnavailable):
		return fiber.NewError(http.StatusBadGateway, "chain node unavailable, retry later")
	default:
		h.logger.Error("submit failed", slog.Any("error", err))
		return err
	}
}
