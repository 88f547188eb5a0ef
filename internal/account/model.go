package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Card statuses.
const (
	CardActive    = "active"
	CardFrozen    = "frozen"
	CardCancelled = "cancelled"
)

// Account is a user's identity. Cards and wallets reference it by ID.
type Account struct {
	ID        string
	Timezone  string
	CreatedAt time.Time
}

// Location resolves the account's timezone, defaulting to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Limits groups the user-editable spend limits of a card. A zero value means
// no limit for SpendingLimit and MonthlyLimit; a zero DailyLimit falls back
// to the service-wide daily cap.
type Limits struct {
	SpendingLimit decimal.Decimal
	DailyLimit    decimal.Decimal
	MonthlyLimit  decimal.Decimal
}

// Restrictions holds merchant category and country allow/block lists.
type Restrictions struct {
	AllowedMCC       []string
	BlockedMCC       []string
	AllowedCountries []string
	BlockedCountries []string
}

// Card is a payment instrument linked to an account and optionally to a
// funding wallet.
type Card struct {
	ID           string
	AccountID    string
	WalletID     string
	Status       string
	TotalSpent   decimal.Decimal
	MonthlySpent decimal.Decimal
	Limits
	Restrictions
	Disposable bool
	CreatedAt  time.Time
}

// Consumed reports whether a single-use card has already been spent.
func (c Card) Consumed() bool {
	return c.Disposable && c.TotalSpent.IsPositive()
}

// Wallet is an on-chain address with an advisory cached USD balance.
type Wallet struct {
	ID               string
	AccountID        string
	Chain            string
	Address          string
	CachedBalanceUSD decimal.Decimal
	BalanceAsOf      time.Time
	CreatedAt        time.Time
}
