package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates no transaction matched the lookup.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction indicates a transaction with the same chain hash
	// already exists and the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidAmount rejects non-positive postings.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDailyLimitExceeded is returned when a posting would push the
	// instrument's UTC-day spend over its daily cap.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")

	// ErrVelocityExceeded is returned when the instrument already has the
	// maximum number of transactions in the trailing window.
	ErrVelocityExceeded = errors.New("velocity exceeded")
)

// Transaction kinds.
const (
	KindCard    = "card"
	KindOnChain = "onchain"
)

// Transaction statuses. Card spends settle synchronously as completed;
// on-chain sends start pending and end confirmed or failed.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func IsTerminal(status string) bool {
	return status == StatusConfirmed || status == StatusCompleted || status == StatusFailed
}

// countsTowardSpend reports whether a status consumes daily budget.
func countsTowardSpend(status string) bool {
	return status == StatusPending || status == StatusConfirmed || status == StatusCompleted
}

// Location is a coordinate pair captured at authorization time.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Transaction is an immutable ledger entry apart from its status fields.
type Transaction struct {
	ID            string
	AccountID     string
	InstrumentID  string
	Kind          string
	Chain         string
	TxHash        string
	Amount        decimal.Decimal
	Currency      string
	Counterparty  string
	MCC           string
	Country       string
	Location      *Location
	Cashback      decimal.Decimal
	Flagged       bool
	Status        string
	Confirmations int64
	BlockNumber   int64
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
}

// Totals splits window spend into settled and in-flight amounts.
type Totals struct {
	Settled decimal.Decimal
	Pending decimal.Decimal
}

// Sum returns settled plus pending spend.
func (t Totals) Sum() decimal.Decimal {
	return t.Settled.Add(t.Pending)
}

// Guard carries the window limits re-evaluated inside the write.
// A zero DailyLimit or VelocityMax disables that check.
type Guard struct {
	DailyLimit     decimal.Decimal
	DayStart       time.Time
	DayEnd         time.Time
	VelocityMax    int
	VelocityWindow time.Duration
}

// StatusUpdate is an observation of chain state for one transaction.
type StatusUpdate struct {
	ID            string
	Status        string
	Confirmations int64
	BlockNumber   int64
	ObservedAt    time.Time
}

// AuditEvent is an append-only record of a reconciliation decision.
type AuditEvent struct {
	ID            string
	TransactionID string
	Action        string
	Detail        string
	CreatedAt     time.Time
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
type Ledger interface {
	// SpentBetween sums spend-consuming transactions for the instrument with
	// CreatedAt in [from, to).
	SpentBetween(ctx context.Context, instrumentID string, from, to time.Time) (Totals, error)
	// CountSince counts non-failed transactions for the instrument created at or after since.
	CountSince(ctx context.Context, instrumentID string, since time.Time) (int, error)
	// History lists the account's transactions created at or after since, oldest first.
	History(ctx context.Context, accountID string, since time.Time) ([]Transaction, error)
	// LastWithLocation returns the most recent non-failed transaction for the
	// instrument that carries coordinates.
	LastWithLocation(ctx context.Context, instrumentID string) (Transaction, error)

	// RecordCardSpend re-checks the card conditions and the guard, increments
	// the card counters and inserts a completed transaction atomically.
	RecordCardSpend(ctx context.Context, tx Transaction, guard Guard) (Transaction, error)
	// ReservePending re-checks the guard and inserts a pending on-chain
	// transaction atomically. The hash is attached after broadcast.
	ReservePending(ctx context.Context, tx Transaction, guard Guard) (Transaction, error)
	// AttachHash records the chain hash for a reserved transaction.
	AttachHash(ctx context.Context, id, txHash string) (Transaction, error)

	Get(ctx context.Context, id string) (Transaction, error)
	GetByHash(ctx context.Context, txHash string) (Transaction, error)
	// ListPending returns up to limit pending transactions, oldest first.
	ListPending(ctx context.Context, limit int) ([]Transaction, error)
	// ApplyStatus writes an observation iff the row is still pending, the
	// confirmation count does not decrease and something changed. The bool
	// reports whether the write happened; the returned row is current either way.
	ApplyStatus(ctx context.Context, update StatusUpdate) (Transaction, bool, error)

	AppendAudit(ctx context.Context, event AuditEvent) error
}

// shouldApply is the monotonic write guard shared by all backends.
func shouldApply(current Transaction, u StatusUpdate) bool {
	if IsTerminal(current.Status) {
		return false
	}
	if u.Confirmations < current.Confirmations {
		return false
	}
	return u.Status != current.Status || u.Confirmations != current.Confirmations || u.BlockNumber != current.BlockNumber
}
