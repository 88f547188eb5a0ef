// Package limits computes time-windowed spend totals from the ledger.
package limits

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/ledger"
)

// DailyResult is the outcome of a daily cap evaluation.
type DailyResult struct {
	SpentToday   decimal.Decimal
	PendingToday decimal.Decimal
	Remaining    decimal.Decimal
	Allowed      bool
	Limit        decimal.Decimal
}

// Aggregator reads ledger totals for limit checks. It never writes.
type Aggregator struct {
	ledger         ledger.Ledger
	defaultDaily   decimal.Decimal
	velocityMax    int
	velocityWindow time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithVelocity sets the velocity cap and trailing window.
func WithVelocity(max int, window time.Duration) Option {
	return func(a *Aggregator) {
		a.velocityMax = max
		a.velocityWindow = window
	}
}

// NewAggregator builds an aggregator with the service-wide default daily cap.
func NewAggregator(l ledger.Ledger, defaultDaily decimal.Decimal, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		ledger:         l,
		defaultDaily:   defaultDaily,
		velocityMax:    5,
		velocityWindow: 10 * time.Minute,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DayBounds returns [startOfUTCDay, endOfUTCDay) for t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// EffectiveDailyLimit picks the instrument limit when set, else the default.
func (a *Aggregator) EffectiveDailyLimit(instrumentLimit decimal.Decimal) decimal.Decimal {
	if instrumentLimit.IsPositive() {
		return instrumentLimit
	}
	return a.defaultDaily
}

// Daily evaluates whether proposed fits under the instrument's daily cap.
// Pending rows count as spent. Any store failure fails closed: the result is
// not allowed and the error is returned for logging.
func (a *Aggregator) Daily(ctx context.Context, instrumentID string, proposed, instrumentLimit decimal.Decimal) (DailyResult, error) {
	limit := a.EffectiveDailyLimit(instrumentLimit)
	start, end := DayBounds(a.now())

	totals, err := a.ledger.SpentBetween(ctx, instrumentID, start, end)
	if err != nil {
		a.logger.Error("daily aggregation failed", slog.String("instrument_id", instrumentID), slog.Any("error", err))
		return DailyResult{Allowed: false, Limit: limit, Remaining: decimal.Zero}, err
	}

	spent := totals.Sum()
	remaining := limit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return DailyResult{
		SpentToday:   spent,
		PendingToday: totals.Pending,
		Remaining:    remaining,
		Allowed:      spent.Add(proposed).LessThanOrEqual(limit),
		Limit:        limit,
	}, nil
}

// Velocity reports whether the instrument is below the velocity cap. On error
// it fails closed.
func (a *Aggregator) Velocity(ctx context.Context, instrumentID string) (count int, allowed bool, err error) {
	count, err = a.ledger.CountSince(ctx, instrumentID, a.now().Add(-a.velocityWindow))
	if err != nil {
		a.logger.Error("velocity count failed", slog.String("instrument_id", instrumentID), slog.Any("error", err))
		return 0, false, err
	}
	return count, count < a.velocityMax, nil
}

// Guard returns the write-time guard matching this aggregator's settings for
// a posting made at "at".
func (a *Aggregator) Guard(instrumentLimit decimal.Decimal, at time.Time) ledger.Guard {
	start, end := DayBounds(at)
	return ledger.Guard{
		DailyLimit:     a.EffectiveDailyLimit(instrumentLimit),
		DayStart:       start,
		DayEnd:         end,
		VelocityMax:    a.velocityMax,
		VelocityWindow: a.velocityWindow,
	}
}

// Now exposes the aggregator's clock so callers stamp rows consistently.
func (a *Aggregator) Now() time.Time {
	return a.now().UTC()
}
