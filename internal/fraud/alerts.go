package fraud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Alert is an append-only annotation on a transaction or declined attempt.
type Alert struct {
	ID            string
	AccountID     string
	InstrumentID  string
	TransactionID string // id of the transaction, or of the attempt when declined
	RiskScore     int
	Level         string
	Reasons       []string
	Anomaly       bool
	CreatedAt     time.Time
}

// AlertStore persists alerts.
type AlertStore interface {
	Append(ctx context.Context, alert Alert) (Alert, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Alert, error)
}

func stamp(a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return a
}

type memoryAlertStore struct {
	mu     sync.RWMutex
	alerts []Alert
}

// NewMemoryAlertStore builds an in-memory alert store.
func NewMemoryAlertStore() AlertStore {
	return &memoryAlertStore{}
}

func (s *memoryAlertStore) Append(_ context.Context, alert Alert) (Alert, error) {
	alert = stamp(alert)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return alert, nil
}

func (s *memoryAlertStore) ListByAccount(_ context.Context, accountID string, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.AccountID == accountID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresAlertStore stores alerts in PostgreSQL.
type PostgresAlertStore struct {
	db *pgxpool.Pool
}

// NewPostgresAlertStore builds a Postgres-backed alert store.
func NewPostgresAlertStore(db *pgxpool.Pool) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

// Append inserts an alert.
func (s *PostgresAlertStore) Append(ctx context.Context, a Alert) (Alert, error) {
	a = stamp(a)
	var txID *string
	if a.TransactionID != "" {
		txID = &a.TransactionID
	}
	reasons := a.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := s.db.Exec(ctx, `INSERT INTO fraud_alerts (id, account_id, instrument_id, transaction_id, risk_score, level, reasons, anomaly, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.AccountID, a.InstrumentID, txID, a.RiskScore, a.Level, reasons, a.Anomaly, a.CreatedAt.UTC())
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}

// ListByAccount returns the newest alerts for the account.
func (s *PostgresAlertStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Alert, error) {
	rows, err := s.db.Query(ctx, `SELECT id::text, account_id::text, instrument_id::text, COALESCE(transaction_id::text, ''),
        risk_score, level, reasons, anomaly, created_at
        FROM fraud_alerts WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.AccountID, &a.InstrumentID, &a.TransactionID, &a.RiskScore, &a.Level, &a.Reasons, &a.Anomaly, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
