// Package fraud scores proposed transactions against the account's history
// and static rule tables.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/ledger"
)

// Risk levels.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Reason codes attached to a verdict.
const (
	ReasonAmountSpike   = "AMOUNT_10X_AVERAGE"
	ReasonNewRecipient  = "NEW_RECIPIENT_LARGE_AMOUNT"
	ReasonHighVelocity  = "HIGH_VELOCITY"
	ReasonKnownBad      = "KNOWN_BAD_COUNTERPARTY"
	ReasonUnusualHour   = "UNUSUAL_HOUR"
	ReasonGeoImpossible = "GEO_DISTANCE_ANOMALY"
)

const (
	historyWindow          = 30 * 24 * time.Hour
	velocityWindow         = 10 * time.Minute
	velocityScoreThreshold = 5
	commonRecipientMin     = 3
	geoWindow              = time.Hour
	geoMaxDistanceKm       = 500.0
)

// Input describes the transaction being scored.
type Input struct {
	AccountID    string
	InstrumentID string
	Amount       decimal.Decimal
	Counterparty string
	Channel      string
	At           time.Time
	Timezone     *time.Location
}

// Verdict is the engine's assessment.
type Verdict struct {
	RiskScore    int
	Level        string
	Reasons      []string
	IsSuspicious bool
}

// GeoResult is the outcome of the location consistency check.
type GeoResult struct {
	IsAnomaly  bool
	DistanceKm float64
}

// Engine evaluates the rule list. It only reads from the ledger.
type Engine struct {
	ledger ledger.Ledger
	rules  *Rules
	logger *slog.Logger
}

// NewEngine builds an engine over the ledger and rule tables.
func NewEngine(l ledger.Ledger, rules *Rules, logger *slog.Logger) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{ledger: l, rules: rules, logger: logger}
}

// Rules returns the engine's rule tables.
func (e *Engine) Rules() *Rules {
	return e.rules
}

type profile struct {
	average         decimal.Decimal
	recipients      map[string]int
	nightSkewed     bool
	historyObserved bool
}

func (e *Engine) profile(ctx context.Context, in Input) (profile, error) {
	history, err := e.ledger.History(ctx, in.AccountID, in.At.Add(-historyWindow))
	if err != nil {
		return profile{}, fmt.Errorf("load history: %w", err)
	}
	p := profile{average: decimal.Zero, recipients: make(map[string]int)}
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}

	total := decimal.Zero
	var counted, night int
	for _, tx := range history {
		if tx.Status == ledger.StatusFailed || !tx.CreatedAt.Before(in.At) {
			continue
		}
		counted++
		total = total.Add(tx.Amount)
		if tx.Counterparty != "" {
			p.recipients[strings.ToLower(tx.Counterparty)]++
		}
		if e.rules.IsNight(tx.CreatedAt.In(loc).Hour()) {
			night++
		}
	}
	if counted > 0 {
		p.historyObserved = true
		p.average = total.Div(decimal.NewFromInt(int64(counted)))
		p.nightSkewed = float64(night)/float64(counted) >= e.rules.NightSkewThreshold
	}
	return p, nil
}

// Score evaluates every rule in a fixed order and sums their weights.
func (e *Engine) Score(ctx context.Context, in Input) (Verdict, error) {
	p, err := e.profile(ctx, in)
	if err != nil {
		return Verdict{}, err
	}

	score := 0
	var reasons []string
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if p.average.IsPositive() && in.Amount.GreaterThanOrEqual(p.average.Mul(decimal.NewFromInt(10))) {
		add(30, ReasonAmountSpike)
	}

	if in.Counterparty != "" && p.average.IsPositive() &&
		p.recipients[strings.ToLower(in.Counterparty)] < commonRecipientMin &&
		in.Amount.GreaterThanOrEqual(p.average.Mul(decimal.NewFromInt(3))) {
		add(25, ReasonNewRecipient)
	}

	recent, err := e.ledger.CountSince(ctx, in.InstrumentID, in.At.Add(-velocityWindow))
	if err != nil {
		return Verdict{}, fmt.Errorf("count recent: %w", err)
	}
	if recent > velocityScoreThreshold {
		add(20, ReasonHighVelocity)
	}

	if e.rules.IsKnownBad(in.Counterparty) {
		add(50, ReasonKnownBad)
	}

	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}
	if e.rules.IsNight(in.At.In(loc).Hour()) && !p.nightSkewed {
		add(10, ReasonUnusualHour)
	}

	if score > 100 {
		score = 100
	}
	v := Verdict{RiskScore: score, Level: levelFor(score), Reasons: reasons}
	v.IsSuspicious = v.Level == LevelHigh || v.Level == LevelCritical
	return v, nil
}

func levelFor(score int) string {
	switch {
	case score >= 50:
		return LevelCritical
	case score >= 30:
		return LevelHigh
	case score >= 15:
		return LevelMedium
	default:
		return LevelLow
	}
}

// CheckGeo compares loc against the instrument's most recent located
// transaction. It only flags; it never blocks.
func (e *Engine) CheckGeo(ctx context.Context, instrumentID string, loc *ledger.Location, at time.Time) (GeoResult, error) {
	if loc == nil {
		return GeoResult{}, nil
	}
	last, err := e.ledger.LastWithLocation(ctx, instrumentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return GeoResult{}, nil
	}
	if err != nil {
		return GeoResult{}, fmt.Errorf("last location: %w", err)
	}
	if at.Sub(last.CreatedAt) > geoWindow {
		return GeoResult{}, nil
	}
	d := HaversineKm(last.Location.Lat, last.Location.Lon, loc.Lat, loc.Lon)
	return GeoResult{IsAnomaly: d > geoMaxDistanceKm, DistanceKm: d}, nil
}
