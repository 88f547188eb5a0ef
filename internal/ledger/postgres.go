package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/spendguard/internal/account"
)

// PostgresLedger persists transactions in PostgreSQL. Card counters live in
// the same database so spend increments share the ledger insert's transaction.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const txColumns = `id::text, account_id::text, instrument_id::text, kind, chain, COALESCE(tx_hash, ''),
    amount, currency, counterparty, mcc, country, latitude, longitude, cashback, flagged, status,
    confirmations, block_number, created_at, confirmed_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx       Transaction
		lat, lon *float64
	)
	if err := row.Scan(&tx.ID, &tx.AccountID, &tx.InstrumentID, &tx.Kind, &tx.Chain, &tx.TxHash,
		&tx.Amount, &tx.Currency, &tx.Counterparty, &tx.MCC, &tx.Country, &lat, &lon, &tx.Cashback,
		&tx.Flagged, &tx.Status, &tx.Confirmations, &tx.BlockNumber, &tx.CreatedAt, &tx.ConfirmedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	if lat != nil && lon != nil {
		tx.Location = &Location{Lat: *lat, Lon: *lon}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	if tx.ConfirmedAt != nil {
		at := tx.ConfirmedAt.UTC()
		tx.ConfirmedAt = &at
	}
	return tx, nil
}

func collect(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SpentBetween sums spend for the instrument inside [from, to).
func (l *PostgresLedger) SpentBetween(ctx context.Context, instrumentID string, from, to time.Time) (Totals, error) {
	return spentBetween(ctx, l.db, instrumentID, from, to)
}

func spentBetween(ctx context.Context, q querier, instrumentID string, from, to time.Time) (Totals, error) {
	const query = `
        SELECT COALESCE(SUM(amount) FILTER (WHERE status IN ('confirmed', 'completed')), 0),
               COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)
        FROM transactions
        WHERE instrument_id = $1 AND created_at >= $2 AND created_at < $3`
	var totals Totals
	if err := q.QueryRow(ctx, query, instrumentID, from.UTC(), to.UTC()).Scan(&totals.Settled, &totals.Pending); err != nil {
		return Totals{}, err
	}
	return totals, nil
}

// CountSince counts non-failed transactions for the instrument.
func (l *PostgresLedger) CountSince(ctx context.Context, instrumentID string, since time.Time) (int, error) {
	return countSince(ctx, l.db, instrumentID, since)
}

func countSince(ctx context.Context, q querier, instrumentID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM transactions WHERE instrument_id = $1 AND status <> 'failed' AND created_at >= $2`
	var n int
	if err := q.QueryRow(ctx, query, instrumentID, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// History lists the account's transactions since the given instant.
func (l *PostgresLedger) History(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	rows, err := l.db.Query(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE account_id = $1 AND created_at >= $2 ORDER BY created_at`, accountID, since.UTC())
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// LastWithLocation returns the newest located transaction for the instrument.
func (l *PostgresLedger) LastWithLocation(ctx context.Context, instrumentID string) (Transaction, error) {
	row := l.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE instrument_id = $1 AND latitude IS NOT NULL AND status <> 'failed'
        ORDER BY created_at DESC LIMIT 1`, instrumentID)
	return scanTransaction(row)
}

// RecordCardSpend locks the card row, re-evaluates every limit against the
// locked state, applies the conditional counter increment and inserts the
// completed transaction in one database transaction.
func (l *PostgresLedger) RecordCardSpend(ctx context.Context, t Transaction, guard Guard) (Transaction, error) {
	if !t.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	card, err := account.ScanCard(tx.QueryRow(ctx, account.CardSelectForUpdate, t.InstrumentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, account.ErrCardNotFound
		}
		return Transaction{}, err
	}
	if err := account.CheckSpend(card, t.Amount); err != nil {
		return Transaction{}, err
	}
	if err := checkGuard(ctx, tx, t, guard); err != nil {
		return Transaction{}, err
	}

	cmd, err := tx.Exec(ctx, account.ConditionalSpendUpdate, t.InstrumentID, t.Amount)
	if err != nil {
		return Transaction{}, err
	}
	if cmd.RowsAffected() != 1 {
		return Transaction{}, account.ErrSpendingLimitExceeded
	}

	t.Kind = KindCard
	t.Status = StatusCompleted
	inserted, err := insert(ctx, tx, t)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return inserted, nil
}

// ReservePending locks the wallet row so concurrent sends from one wallet
// serialize, re-evaluates the guard and inserts a pending row.
func (l *PostgresLedger) ReservePending(ctx context.Context, t Transaction, guard Guard) (Transaction, error) {
	if !t.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var walletID string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM wallets WHERE id = $1 FOR UPDATE`, t.InstrumentID).Scan(&walletID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, account.ErrWalletNotFound
		}
		return Transaction{}, err
	}
	if err := checkGuard(ctx, tx, t, guard); err != nil {
		return Transaction{}, err
	}

	t.Kind = KindOnChain
	t.Status = StatusPending
	t.TxHash = ""
	inserted, err := insert(ctx, tx, t)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return inserted, nil
}

func checkGuard(ctx context.Context, q querier, t Transaction, guard Guard) error {
	if guard.DailyLimit.IsPositive() {
		totals, err := spentBetween(ctx, q, t.InstrumentID, guard.DayStart, guard.DayEnd)
		if err != nil {
			return err
		}
		if totals.Sum().Add(t.Amount).GreaterThan(guard.DailyLimit) {
			return ErrDailyLimitExceeded
		}
	}
	if guard.VelocityMax > 0 {
		n, err := countSince(ctx, q, t.InstrumentID, t.CreatedAt.Add(-guard.VelocityWindow))
		if err != nil {
			return err
		}
		if n >= guard.VelocityMax {
			return ErrVelocityExceeded
		}
	}
	return nil
}

func insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	var lat, lon *float64
	if t.Location != nil {
		lat, lon = &t.Location.Lat, &t.Location.Lon
	}
	var hash *string
	if t.TxHash != "" {
		hash = &t.TxHash
	}
	_, err := tx.Exec(ctx, `INSERT INTO transactions (id, account_id, instrument_id, kind, chain, tx_hash, amount,
        currency, counterparty, mcc, country, latitude, longitude, cashback, flagged, status, confirmations,
        block_number, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.AccountID, t.InstrumentID, t.Kind, t.Chain, hash, t.Amount, t.Currency, t.Counterparty,
		t.MCC, t.Country, lat, lon, t.Cashback, t.Flagged, t.Status, t.Confirmations, t.BlockNumber, t.CreatedAt.UTC())
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

// AttachHash stores the chain hash returned by broadcast.
func (l *PostgresLedger) AttachHash(ctx context.Context, id, txHash string) (Transaction, error) {
	row := l.db.QueryRow(ctx, `UPDATE transactions SET tx_hash = $2 WHERE id = $1 RETURNING `+txColumns, id, txHash)
	t, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, getErr := l.GetByHash(ctx, txHash)
			if getErr != nil {
				return Transaction{}, getErr
			}
			return existing, ErrDuplicateTransaction
		}
		return Transaction{}, err
	}
	return t, nil
}

// Get fetches a transaction by id.
func (l *PostgresLedger) Get(ctx context.Context, id string) (Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Transaction{}, ErrNotFound
	}
	return scanTransaction(l.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

// GetByHash fetches a transaction by chain hash. Hashes are unique across chains.
func (l *PostgresLedger) GetByHash(ctx context.Context, txHash string) (Transaction, error) {
	return scanTransaction(l.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE tx_hash = $1`, txHash))
}

// ListPending returns the oldest pending transactions. Rows are not locked;
// concurrent passes are reconciled by the ApplyStatus guard.
func (l *PostgresLedger) ListPending(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := l.db.Query(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ApplyStatus performs a guarded update: the row must still be pending, the
// confirmation count must not decrease and at least one field must change.
func (l *PostgresLedger) ApplyStatus(ctx context.Context, u StatusUpdate) (Transaction, bool, error) {
	row := l.db.QueryRow(ctx, `UPDATE transactions
        SET status = $2, confirmations = $3, block_number = $4,
            confirmed_at = CASE WHEN $2 = 'confirmed' THEN $5 ELSE confirmed_at END
        WHERE id = $1
          AND status = 'pending'
          AND confirmations <= $3
          AND (status <> $2 OR confirmations <> $3 OR block_number <> $4)
        RETURNING `+txColumns, u.ID, u.Status, u.Confirmations, u.BlockNumber, u.ObservedAt.UTC())
	t, err := scanTransaction(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Transaction{}, false, err
	}
	current, err := l.Get(ctx, u.ID)
	if err != nil {
		return Transaction{}, false, err
	}
	return current, false, nil
}

// AppendAudit inserts an audit event.
func (l *PostgresLedger) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `INSERT INTO audit_events (id, transaction_id, action, detail, created_at)
        VALUES ($1, $2, $3, $4, $5)`, e.ID, e.TransactionID, e.Action, e.Detail, e.CreatedAt.UTC())
	return err
}
