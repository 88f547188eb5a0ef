package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service exposes the user-driven operations on accounts and their
// instruments. Spend counters are never written here except through the
// explicit monthly reset.
type Service struct {
	repo Repository
}

// NewService builds an account service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Repository returns the underlying store.
func (s *Service) Repository() Repository {
	return s.repo
}

// OpenInput captures data required to open an account.
type OpenInput struct {
	Timezone string
}

// Open creates a new account.
func (s *Service) Open(ctx context.Context, input OpenInput) (Account, error) {
	tz := input.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return Account{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	a := Account{ID: uuid.NewString(), Timezone: tz, CreatedAt: time.Now().UTC()}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// Account returns the account record.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	return s.repo.Account(ctx, id)
}

// LinkWalletInput captures data required to register an on-chain wallet.
type LinkWalletInput struct {
	AccountID string
	Chain     string
	Address   string
}

// LinkWallet registers an on-chain address for the account.
func (s *Service) LinkWallet(ctx context.Context, input LinkWalletInput) (Wallet, error) {
	if _, err := s.repo.Account(ctx, input.AccountID); err != nil {
		return Wallet{}, err
	}
	if strings.TrimSpace(input.Chain) == "" || strings.TrimSpace(input.Address) == "" {
		return Wallet{}, fmt.Errorf("chain and address are required")
	}
	now := time.Now().UTC()
	w := Wallet{
		ID:               uuid.NewString(),
		AccountID:        input.AccountID,
		Chain:            strings.ToLower(input.Chain),
		Address:          input.Address,
		CachedBalanceUSD: decimal.Zero,
		BalanceAsOf:      now,
		CreatedAt:        now,
	}
	if err := s.repo.CreateWallet(ctx, w); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// IssueCardInput captures data required to issue a card.
type IssueCardInput struct {
	AccountID  string
	WalletID   string
	Limits     Limits
	Restrict   Restrictions
	Disposable bool
}

// IssueCard issues an active card for the account.
func (s *Service) IssueCard(ctx context.Context, input IssueCardInput) (Card, error) {
	if _, err := s.repo.Account(ctx, input.AccountID); err != nil {
		return Card{}, err
	}
	if input.WalletID != "" {
		w, err := s.repo.Wallet(ctx, input.WalletID)
		if err != nil {
			return Card{}, err
		}
		if w.AccountID != input.AccountID {
			return Card{}, ErrNotOwner
		}
	}
	if err := validateLimits(input.Limits); err != nil {
		return Card{}, err
	}
	c := Card{
		ID:           uuid.NewString(),
		AccountID:    input.AccountID,
		WalletID:     input.WalletID,
		Status:       CardActive,
		TotalSpent:   decimal.Zero,
		MonthlySpent: decimal.Zero,
		Limits:       input.Limits,
		Restrictions: normalizeRestrictions(input.Restrict),
		Disposable:   input.Disposable,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateCard(ctx, c); err != nil {
		return Card{}, err
	}
	return c, nil
}

// Card returns a card owned by accountID.
func (s *Service) Card(ctx context.Context, accountID, cardID string) (Card, error) {
	c, err := s.repo.Card(ctx, cardID)
	if err != nil {
		return Card{}, err
	}
	if c.AccountID != accountID {
		return Card{}, ErrNotOwner
	}
	return c, nil
}

// Freeze suspends a card until it is unfrozen.
func (s *Service) Freeze(ctx context.Context, accountID, cardID string) (Card, error) {
	return s.transition(ctx, accountID, cardID, CardFrozen)
}

// Unfreeze reactivates a frozen card.
func (s *Service) Unfreeze(ctx context.Context, accountID, cardID string) (Card, error) {
	return s.transition(ctx, accountID, cardID, CardActive)
}

// Cancel permanently deactivates a card.
func (s *Service) Cancel(ctx context.Context, accountID, cardID string) (Card, error) {
	return s.transition(ctx, accountID, cardID, CardCancelled)
}

func (s *Service) transition(ctx context.Context, accountID, cardID, status string) (Card, error) {
	c, err := s.Card(ctx, accountID, cardID)
	if err != nil {
		return Card{}, err
	}
	if c.Status == CardCancelled {
		return Card{}, ErrCardCancelled
	}
	if err := s.repo.SetCardStatus(ctx, cardID, status); err != nil {
		return Card{}, err
	}
	c.Status = status
	return c, nil
}

// UpdateLimits replaces a card's limits.
func (s *Service) UpdateLimits(ctx context.Context, accountID, cardID string, limits Limits) (Card, error) {
	c, err := s.Card(ctx, accountID, cardID)
	if err != nil {
		return Card{}, err
	}
	if c.Status == CardCancelled {
		return Card{}, ErrCardCancelled
	}
	if err := validateLimits(limits); err != nil {
		return Card{}, err
	}
	if err := s.repo.UpdateCardLimits(ctx, cardID, limits); err != nil {
		return Card{}, err
	}
	c.Limits = limits
	return c, nil
}

// ResetMonthly zeroes the card's monthly spend counter.
func (s *Service) ResetMonthly(ctx context.Context, accountID, cardID string) (Card, error) {
	c, err := s.Card(ctx, accountID, cardID)
	if err != nil {
		return Card{}, err
	}
	if err := s.repo.ResetMonthlySpend(ctx, cardID); err != nil {
		return Card{}, err
	}
	c.MonthlySpent = decimal.Zero
	return c, nil
}

// RefreshWalletBalance records an out-of-band balance observation.
func (s *Service) RefreshWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("balance must not be negative")
	}
	return s.repo.UpdateWalletBalance(ctx, walletID, balance, time.Now().UTC())
}

func validateLimits(l Limits) error {
	if l.SpendingLimit.IsNegative() || l.DailyLimit.IsNegative() || l.MonthlyLimit.IsNegative() {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

func normalizeRestrictions(r Restrictions) Restrictions {
	return Restrictions{
		AllowedMCC:       trimAll(r.AllowedMCC, strings.TrimSpace),
		BlockedMCC:       trimAll(r.BlockedMCC, strings.TrimSpace),
		AllowedCountries: trimAll(r.AllowedCountries, strings.ToUpper),
		BlockedCountries: trimAll(r.BlockedCountries, strings.ToUpper),
	}
}

func trimAll(values []string, fn func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = fn(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
