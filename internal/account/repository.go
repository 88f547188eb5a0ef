package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists accounts, cards and wallets.
type Repository interface {
	CreateAccount(ctx context.Context, account Account) error
	Account(ctx context.Context, id string) (Account, error)
	CreateCard(ctx context.Context, card Card) error
	Card(ctx context.Context, id string) (Card, error)
	CreateWallet(ctx context.Context, wallet Wallet) error
	Wallet(ctx context.Context, id string) (Wallet, error)

	SetCardStatus(ctx context.Context, id, status string) error
	UpdateCardLimits(ctx context.Context, id string, limits Limits) error
	ResetMonthlySpend(ctx context.Context, id string) error
	UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal, asOf time.Time) error

	// AddSpend increments the card's counters iff CheckSpend allows it. The
	// check and the write happen under one lock or one statement.
	AddSpend(ctx context.Context, id string, amount decimal.Decimal) error
}

// PostgresRepository stores accounts, cards and wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateAccount inserts an account record.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account Account) error {
	id, err := uuid.Parse(account.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO accounts (id, timezone, created_at) VALUES ($1, $2, $3)`,
		id, account.Timezone, account.CreatedAt.UTC())
	return err
}

// Account fetches an account by identifier.
func (r *PostgresRepository) Account(ctx context.Context, id string) (Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `SELECT id::text, timezone, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Timezone, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// CreateCard inserts a card record.
func (r *PostgresRepository) CreateCard(ctx context.Context, c Card) error {
	var walletID *string
	if c.WalletID != "" {
		walletID = &c.WalletID
	}
	_, err := r.db.Exec(ctx, `INSERT INTO cards (id, account_id, wallet_id, status, total_spent, monthly_spent,
        spending_limit, daily_limit, monthly_limit, allowed_mcc, blocked_mcc, allowed_countries,
        blocked_countries, disposable, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.AccountID, walletID, c.Status, c.TotalSpent, c.MonthlySpent,
		c.SpendingLimit, c.DailyLimit, c.MonthlyLimit, nonNil(c.AllowedMCC), nonNil(c.BlockedMCC),
		nonNil(c.AllowedCountries), nonNil(c.BlockedCountries), c.Disposable, c.CreatedAt.UTC())
	return err
}

const cardColumns = `id::text, account_id::text, COALESCE(wallet_id::text, ''), status, total_spent,
    monthly_spent, spending_limit, daily_limit, monthly_limit, allowed_mcc, blocked_mcc,
    allowed_countries, blocked_countries, disposable, created_at`

// Card fetches a card by identifier.
func (r *PostgresRepository) Card(ctx context.Context, id string) (Card, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Card{}, ErrCardNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
	c, err := ScanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Card{}, ErrCardNotFound
	}
	return c, err
}

// ScanCard reads a row selected with the card column list. Exported so the
// ledger can re-read a card inside its own transaction.
func ScanCard(row pgx.Row) (Card, error) {
	var c Card
	if err := row.Scan(&c.ID, &c.AccountID, &c.WalletID, &c.Status, &c.TotalSpent, &c.MonthlySpent,
		&c.SpendingLimit, &c.DailyLimit, &c.MonthlyLimit, &c.AllowedMCC, &c.BlockedMCC,
		&c.AllowedCountries, &c.BlockedCountries, &c.Disposable, &c.CreatedAt); err != nil {
		return Card{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// CardSelectForUpdate is the locking read used by writers of card counters.
const CardSelectForUpdate = `SELECT ` + cardColumns + ` FROM cards WHERE id = $1 FOR UPDATE`

// CreateWallet inserts a wallet record.
func (r *PostgresRepository) CreateWallet(ctx context.Context, w Wallet) error {
	_, err := r.db.Exec(ctx, `INSERT INTO wallets (id, account_id, chain, address, cached_balance_usd, balance_as_of, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.AccountID, w.Chain, w.Address, w.CachedBalanceUSD, w.BalanceAsOf.UTC(), w.CreatedAt.UTC())
	return err
}

// Wallet fetches a wallet by identifier.
func (r *PostgresRepository) Wallet(ctx context.Context, id string) (Wallet, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	var (
		w    Wallet
		asOf *time.Time
	)
	err := r.db.QueryRow(ctx, `SELECT id::text, account_id::text, chain, address, cached_balance_usd, balance_as_of, created_at
        FROM wallets WHERE id = $1`, id).
		Scan(&w.ID, &w.AccountID, &w.Chain, &w.Address, &w.CachedBalanceUSD, &asOf, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, err
	}
	if asOf != nil {
		w.BalanceAsOf = asOf.UTC()
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

// SetCardStatus updates a card's status.
func (r *PostgresRepository) SetCardStatus(ctx context.Context, id, status string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE cards SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// UpdateCardLimits replaces the card's limits.
func (r *PostgresRepository) UpdateCardLimits(ctx context.Context, id string, limits Limits) error {
	cmd, err := r.db.Exec(ctx, `UPDATE cards SET spending_limit = $2, daily_limit = $3, monthly_limit = $4 WHERE id = $1`,
		id, limits.SpendingLimit, limits.DailyLimit, limits.MonthlyLimit)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// ResetMonthlySpend zeroes the monthly counter.
func (r *PostgresRepository) ResetMonthlySpend(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE cards SET monthly_spent = 0 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// UpdateWalletBalance stores a freshly observed balance.
func (r *PostgresRepository) UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal, asOf time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE wallets SET cached_balance_usd = $2, balance_as_of = $3 WHERE id = $1`,
		id, balance, asOf.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// AddSpend applies a conditional increment in a single statement. When no row
// is updated the card is re-read to report which condition failed.
func (r *PostgresRepository) AddSpend(ctx context.Context, id string, amount decimal.Decimal) error {
	cmd, err := r.db.Exec(ctx, ConditionalSpendUpdate, id, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	card, err := r.Card(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckSpend(card, amount); err != nil {
		return err
	}
	return ErrSpendingLimitExceeded
}

// ConditionalSpendUpdate increments both counters only when every card-level
// condition of CheckSpend holds.
const ConditionalSpendUpdate = `UPDATE cards
    SET total_spent = total_spent + $2, monthly_spent = monthly_spent + $2
    WHERE id = $1
      AND status = 'active'
      AND (NOT disposable OR total_spent = 0)
      AND (spending_limit = 0 OR total_spent + $2 <= spending_limit)
      AND (monthly_limit = 0 OR monthly_spent + $2 <= monthly_limit)`

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
