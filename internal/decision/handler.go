package decision

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/validate"
)

// Provider headers sent with card network webhooks.
const (
	HeaderProvider  = "X-Webhook-Provider"
	HeaderSignature = "X-Webhook-Signature"
)

var authorizeSchema = validate.MustCompile(`{
  "type": "object",
  "required": ["instrumentId", "amount", "currency", "merchantCountry", "mcc"],
  "properties": {
    "instrumentId": {"type": "string", "minLength": 1},
    "amount": {"type": ["string", "number"]},
    "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "merchant": {"type": "string"},
    "merchantCountry": {"type": "string", "pattern": "^[A-Za-z]{2}$"},
    "mcc": {"type": "string", "pattern": "^[0-9]{4}$"},
    "geo": {
      "type": "object",
      "required": ["lat", "lon"],
      "properties": {
        "lat": {"type": "number", "minimum": -90, "maximum": 90},
        "lon": {"type": "number", "minimum": -180, "maximum": 180}
      }
    },
    "ip": {"type": "string"}
  }
}`)

// Handler exposes the synchronous authorization endpoint.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler constructs an authorization handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

type authorizeRequest struct {
	InstrumentID    string           `json:"instrumentId"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	Merchant        string           `json:"merchant"`
	MerchantCountry string           `json:"merchantCountry"`
	MCC             string           `json:"mcc"`
	Geo             *ledger.Location `json:"geo"`
	IP              string           `json:"ip"`
}

// DecisionResponse is the wire form of a Decision.
type DecisionResponse struct {
	Approved       bool             `json:"approved"`
	ReasonCode     string           `json:"reasonCode,omitempty"`
	Message        string           `json:"message,omitempty"`
	TransactionID  string           `json:"transactionId,omitempty"`
	CashbackAmount *decimal.Decimal `json:"cashbackAmount,omitempty"`
	RiskScore      int              `json:"riskScore"`
	RiskLevel      string           `json:"riskLevel,omitempty"`
	IsAnomaly      bool             `json:"isAnomaly"`
	FlaggedReview  bool             `json:"flaggedForReview,omitempty"`
}

// ToResponse renders a decision for the wire.
func ToResponse(d Decision) DecisionResponse {
	resp := DecisionResponse{
		Approved:      d.Approved,
		ReasonCode:    d.ReasonCode,
		Message:       d.Message,
		TransactionID: d.TransactionID,
		RiskScore:     d.RiskScore,
		RiskLevel:     d.RiskLevel,
		IsAnomaly:     d.IsAnomaly,
		FlaggedReview: d.FlaggedReview,
	}
	if d.Approved {
		cb := d.CashbackAmount
		resp.CashbackAmount = &cb
	}
	return resp
}

func credentials(c *fiber.Ctx) Credentials {
	return Credentials{
		Provider:  c.Get(HeaderProvider),
		Signature: c.Get(HeaderSignature),
		RawBody:   append([]byte(nil), c.Body()...),
		SourceIP:  c.IP(),
	}
}

// reject writes the authenticity decline for cred and reports whether it did.
func (h *Handler) reject(c *fiber.Ctx, cred Credentials) (bool, error) {
	switch h.engine.Authenticate(cred) {
	case ReasonUnauthorized:
		return true, c.Status(http.StatusUnauthorized).JSON(ToResponse(decline(ReasonUnauthorized)))
	case ReasonForbidden:
		return true, c.Status(http.StatusForbidden).JSON(ToResponse(decline(ReasonForbidden)))
	}
	return false, nil
}

// Authenticate rejects unauthentic webhooks before any later middleware
// touches shared state.
func (h *Handler) Authenticate(c *fiber.Ctx) error {
	if done, err := h.reject(c, credentials(c)); done {
		return err
	}
	return c.Next()
}

// IdempotencyScope namespaces authorization keys by provider and card.
// Bodies without an instrument id are not deduplicated; validation rejects
// them downstream.
func IdempotencyScope(c *fiber.Ctx) string {
	var body struct {
		InstrumentID string `json:"instrumentId"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil || body.InstrumentID == "" {
		return ""
	}
	return "authorize:" + c.Get(HeaderProvider) + ":" + body.InstrumentID
}

// Authorize answers a card network authorization. Every decision, approved or
// declined, is a 200; only authenticity failures, malformed bodies and
// infrastructure errors use other statuses.
func (h *Handler) Authorize(c *fiber.Ctx) error {
	cred := credentials(c)
	if done, err := h.reject(c, cred); done {
		return err
	}
	raw := cred.RawBody

	if err := authorizeSchema.Validate(raw); err != nil {
		return err
	}
	var req authorizeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &validate.Error{Fields: []validate.FieldError{{Field: "amount", Message: "must be a decimal number"}}}
	}
	if !req.Amount.IsPositive() {
		return &validate.Error{Fields: []validate.FieldError{{Field: "amount", Message: "must be greater than zero"}}}
	}

	d, err := h.engine.Authorize(c.UserContext(), AuthorizeRequest{
		InstrumentID:    req.InstrumentID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Merchant:        req.Merchant,
		MerchantCountry: req.MerchantCountry,
		MCC:             req.MCC,
		Geo:             req.Geo,
		Credentials:     cred,
	})
	if err != nil {
		h.logger.Error("authorization failed closed",
			slog.String("instrument_id", req.InstrumentID),
			slog.Any("error", err),
		)
		return c.Status(http.StatusInternalServerError).JSON(ToResponse(d))
	}

	h.logger.Info("authorization decided",
		slog.String("instrument_id", req.InstrumentID),
		slog.Bool("approved", d.Approved),
		slog.String("reason_code", d.ReasonCode),
		slog.Int("risk_score", d.RiskScore),
		slog.String("cardholder_ip", req.IP),
	)
	return c.Status(http.StatusOK).JSON(ToResponse(d))
}
