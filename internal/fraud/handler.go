package fraud

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes fraud alerts to their account owner.
type Handler struct {
	store AlertStore
}

// NewHandler constructs an alert handler.
func NewHandler(store AlertStore) *Handler {
	return &Handler{store: store}
}

type alertResponse struct {
	ID            string    `json:"id"`
	InstrumentID  string    `json:"instrumentId"`
	TransactionID string    `json:"transactionId,omitempty"`
	RiskScore     int       `json:"riskScore"`
	Level         string    `json:"level"`
	Reasons       []string  `json:"reasons"`
	Anomaly       bool      `json:"isAnomaly"`
	CreatedAt     time.Time `json:"createdAt"`
}

// List returns the caller's most recent alerts.
func (h *Handler) List(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	alerts, err := h.store.ListByAccount(c.UserContext(), accountID, limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "alert lookup failed")
	}
	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse{
			ID:            a.ID,
			InstrumentID:  a.InstrumentID,
			TransactionID: a.TransactionID,
			RiskScore:     a.RiskScore,
			Level:         a.Level,
			Reasons:       a.Reasons,
			Anomaly:       a.Anomaly,
			CreatedAt:     a.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"alerts": out})
}
