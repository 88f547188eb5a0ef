package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
	cards    map[string]Card
	wallets  map[string]Wallet
}

// NewMemoryRepository constructs an in-memory repository for tests and
// development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		accounts: make(map[string]Account),
		cards:    make(map[string]Card),
		wallets:  make(map[string]Wallet),
	}
}

func (r *memoryRepository) CreateAccount(_ context.Context, account Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; exists {
		return errors.New("account exists")
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *memoryRepository) Account(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (r *memoryRepository) CreateCard(_ context.Context, card Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cards[card.ID]; exists {
		return errors.New("card exists")
	}
	r.cards[card.ID] = cloneCard(card)
	return nil
}

func (r *memoryRepository) Card(_ context.Context, id string) (Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[id]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	return cloneCard(c), nil
}

func (r *memoryRepository) CreateWallet(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.wallets[wallet.ID]; exists {
		return errors.New("wallet exists")
	}
	r.wallets[wallet.ID] = wallet
	return nil
}

func (r *memoryRepository) Wallet(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (r *memoryRepository) SetCardStatus(_ context.Context, id, status string) error {
	return r.mutateCard(id, func(c *Card) error {
		c.Status = status
		return nil
	})
}

func (r *memoryRepository) UpdateCardLimits(_ context.Context, id string, limits Limits) error {
	return r.mutateCard(id, func(c *Card) error {
		c.Limits = limits
		return nil
	})
}

func (r *memoryRepository) ResetMonthlySpend(_ context.Context, id string) error {
	return r.mutateCard(id, func(c *Card) error {
		c.MonthlySpent = decimal.Zero
		return nil
	})
}

func (r *memoryRepository) UpdateWalletBalance(_ context.Context, id string, balance decimal.Decimal, asOf time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.CachedBalanceUSD = balance
	w.BalanceAsOf = asOf.UTC()
	r.wallets[id] = w
	return nil
}

func (r *memoryRepository) AddSpend(_ context.Context, id string, amount decimal.Decimal) error {
	return r.mutateCard(id, func(c *Card) error {
		if err := CheckSpend(*c, amount); err != nil {
			return err
		}
		c.TotalSpent = c.TotalSpent.Add(amount)
		c.MonthlySpent = c.MonthlySpent.Add(amount)
		return nil
	})
}

func (r *memoryRepository) mutateCard(id string, fn func(c *Card) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[id]
	if !ok {
		return ErrCardNotFound
	}
	if err := fn(&c); err != nil {
		return err
	}
	r.cards[id] = c
	return nil
}

func cloneCard(c Card) Card {
	c.AllowedMCC = append([]string(nil), c.AllowedMCC...)
	c.BlockedMCC = append([]string(nil), c.BlockedMCC...)
	c.AllowedCountries = append([]string(nil), c.AllowedCountries...)
	c.BlockedCountries = append([]string(nil), c.BlockedCountries...)
	return c
}
