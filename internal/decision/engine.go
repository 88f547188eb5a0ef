// Package decision runs the ordered authorization checks that turn a proposed
// spend into an approve or decline verdict.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/fraud"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/limits"
	"github.com/congo-pay/spendguard/internal/notification"
)

// Notifier queues events without blocking the decision path.
type Notifier interface {
	Notify(accountID string, message notification.Message) bool
}

// Credentials carry what step one needs to establish request authenticity.
type Credentials struct {
	Provider  string
	Signature string
	RawBody   []byte
	SourceIP  string
}

// AuthorizeRequest is a proposed card spend.
type AuthorizeRequest struct {
	InstrumentID    string
	Amount          decimal.Decimal
	Currency        string
	Merchant        string
	MerchantCountry string
	MCC             string
	Geo             *ledger.Location
	Credentials     Credentials
}

// Decision is the verdict returned to the caller. Declines are values, not
// errors.
type Decision struct {
	Approved       bool
	ReasonCode     string
	Message        string
	TransactionID  string
	CashbackAmount decimal.Decimal
	RiskScore      int
	RiskLevel      string
	IsAnomaly      bool
	FlaggedReview  bool
}

func decline(code string) Decision {
	return Decision{ReasonCode: code, Message: Message(code)}
}

// Engine orchestrates authenticity, instrument, fraud, restriction and limit
// checks. It is safe for concurrent use.
type Engine struct {
	accounts   account.Repository
	ledger     ledger.Ledger
	aggregator *limits.Aggregator
	fraud      *fraud.Engine
	alerts     fraud.AlertStore
	notifier   Notifier
	logger     *slog.Logger

	verifier     Verifier
	allowList    *IPAllowList
	cashbackRate decimal.Decimal
	reviewOnly   bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithAuthenticity enables signature and source IP checks.
func WithAuthenticity(v Verifier, allow *IPAllowList) Option {
	return func(e *Engine) {
		e.verifier = v
		e.allowList = allow
	}
}

// WithCashbackRate sets the default cashback rate.
func WithCashbackRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.cashbackRate = rate }
}

// WithReviewOnly approves suspicious spends and flags them for review
// instead of declining.
func WithReviewOnly(enabled bool) Option {
	return func(e *Engine) { e.reviewOnly = enabled }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine wires the engine's collaborators.
func NewEngine(accounts account.Repository, l ledger.Ledger, agg *limits.Aggregator, fraudEngine *fraud.Engine, alerts fraud.AlertStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		accounts:     accounts,
		ledger:       l,
		aggregator:   agg,
		fraud:        fraudEngine,
		alerts:       alerts,
		logger:       logger,
		cashbackRate: decimal.RequireFromString("0.02"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// systemError fails closed: the decline carries only the generic code and
// the cause is returned for logging.
func systemError(step string, err error) (Decision, error) {
	return decline(ReasonSystemError), fmt.Errorf("%s: %w", step, err)
}

// Authenticate runs the authenticity step alone and returns the decline
// reason, or "" when the request is authentic.
func (e *Engine) Authenticate(cred Credentials) string {
	if e.verifier != nil && !e.verifier.Verify(cred.RawBody, cred.Signature, cred.Provider) {
		return ReasonUnauthorized
	}
	if e.allowList != nil && !e.allowList.Allowed(cred.SourceIP) {
		return ReasonForbidden
	}
	return ""
}

// Authorize evaluates a card spend. The first failing check decides the
// reason code. A non-nil error means an infrastructure failure; the returned
// decision is then a SYSTEM_ERROR decline.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	if code := e.Authenticate(req.Credentials); code != "" {
		return decline(code), nil
	}
	if !req.Amount.IsPositive() {
		return decline(ReasonSystemError), ledger.ErrInvalidAmount
	}

	card, err := e.accounts.Card(ctx, req.InstrumentID)
	if errors.Is(err, account.ErrCardNotFound) {
		return decline(ReasonCardNotFound), nil
	}
	if err != nil {
		return systemError("load card", err)
	}
	if card.Status != account.CardActive {
		return decline(ReasonCardInactive), nil
	}
	if card.Consumed() {
		return e.consumeDisposable(ctx, card)
	}

	acct, err := e.accounts.Account(ctx, card.AccountID)
	if err != nil {
		return systemError("load account", err)
	}

	d, err := e.evaluate(ctx, card, acct, req)
	if err == nil && !d.Approved && d.ReasonCode != ReasonDisposableUsed {
		e.notify(card.AccountID, notification.Message{
			Kind: notification.KindCardDeclined,
			Body: fmt.Sprintf("Card payment of %s %s at %s declined: %s", req.Amount.StringFixed(2), strings.ToUpper(req.Currency), displayMerchant(req.Merchant), d.Message),
			Data: map[string]string{"reasonCode": d.ReasonCode, "category": e.fraud.Rules().Category(req.MCC)},
		})
	}
	return d, err
}

// evaluate runs the risk, restriction, limit and funds checks for a loaded
// active card and records the spend when all pass.
func (e *Engine) evaluate(ctx context.Context, card account.Card, acct account.Account, req AuthorizeRequest) (Decision, error) {
	now := e.aggregator.Now()
	txID := uuid.NewString()
	verdict, err := e.fraud.Score(ctx, fraud.Input{
		AccountID:    card.AccountID,
		InstrumentID: card.ID,
		Amount:       req.Amount,
		Counterparty: req.Merchant,
		Channel:      ledger.KindCard,
		At:           now,
		Timezone:     acct.Location(),
	})
	if err != nil {
		return systemError("fraud score", err)
	}
	geo, err := e.fraud.CheckGeo(ctx, card.ID, req.Geo, now)
	if err != nil {
		return systemError("geo check", err)
	}

	result := Decision{RiskScore: verdict.RiskScore, RiskLevel: verdict.Level, IsAnomaly: geo.IsAnomaly}
	if verdict.IsSuspicious || geo.IsAnomaly {
		e.recordAlert(ctx, card.AccountID, card.ID, txID, verdict, geo)
	}
	if verdict.IsSuspicious {
		if !e.reviewOnly {
			return e.withRisk(decline(ReasonFraudDetected), result), nil
		}
		result.FlaggedReview = true
	}

	if code := checkRestrictions(card.Restrictions, req.MCC, req.MerchantCountry); code != "" {
		return e.withRisk(decline(code), result), nil
	}

	switch err := account.CheckSpend(card, req.Amount); {
	case errors.Is(err, account.ErrSpendingLimitExceeded):
		return e.withRisk(decline(ReasonSpendingLimit), result), nil
	case errors.Is(err, account.ErrMonthlyLimitExceeded):
		return e.withRisk(decline(ReasonMonthlyLimit), result), nil
	case err != nil:
		return e.withRisk(decline(ReasonCardInactive), result), nil
	}

	daily, err := e.aggregator.Daily(ctx, card.ID, req.Amount, card.DailyLimit)
	if err != nil {
		return systemError("daily limit", err)
	}
	if !daily.Allowed {
		return e.withRisk(decline(ReasonDailyLimit), result), nil
	}

	_, underCap, err := e.aggregator.Velocity(ctx, card.ID)
	if err != nil {
		return systemError("velocity", err)
	}
	if !underCap {
		return e.withRisk(decline(ReasonVelocity), result), nil
	}

	if card.WalletID != "" {
		wallet, err := e.accounts.Wallet(ctx, card.WalletID)
		if err != nil {
			return systemError("load wallet", err)
		}
		if wallet.CachedBalanceUSD.LessThan(req.Amount) {
			return e.withRisk(decline(ReasonInsufficientFunds), result), nil
		}
	}

	cashback := e.cashback(req.Amount, req.MCC)
	tx, err := e.ledger.RecordCardSpend(ctx, ledger.Transaction{
		ID:           txID,
		AccountID:    card.AccountID,
		InstrumentID: card.ID,
		Amount:       req.Amount,
		Currency:     strings.ToUpper(req.Currency),
		Counterparty: req.Merchant,
		MCC:          req.MCC,
		Country:      strings.ToUpper(req.MerchantCountry),
		Location:     req.Geo,
		Cashback:     cashback,
		Flagged:      result.FlaggedReview || geo.IsAnomaly,
		CreatedAt:    now,
	}, e.aggregator.Guard(card.DailyLimit, now))
	if err != nil {
		// The write re-checks every counter; a concurrent spend may have
		// consumed the budget since the reads above.
		if code := writeReason(err); code != "" {
			if code == ReasonDisposableUsed {
				return e.consumeDisposable(ctx, card)
			}
			return e.withRisk(decline(code), result), nil
		}
		return systemError("record spend", err)
	}

	result.Approved = true
	result.TransactionID = tx.ID
	result.CashbackAmount = tx.Cashback
	e.notify(card.AccountID, notification.Message{
		Kind:          notification.KindCardApproved,
		TransactionID: tx.ID,
		Body:          fmt.Sprintf("Card payment of %s %s at %s approved", tx.Amount.StringFixed(2), tx.Currency, displayMerchant(req.Merchant)),
		Data:          map[string]string{"category": e.fraud.Rules().Category(req.MCC)},
	})
	return result, nil
}

// consumeDisposable declines a reused single-use card and cancels it.
func (e *Engine) consumeDisposable(ctx context.Context, card account.Card) (Decision, error) {
	if err := e.accounts.SetCardStatus(ctx, card.ID, account.CardCancelled); err != nil {
		e.logger.Error("cancel disposable card failed", slog.String("card_id", card.ID), slog.Any("error", err))
	} else {
		e.notify(card.AccountID, notification.Message{
			Kind: notification.KindCardAutoCancelled,
			Body: "Your single-use card was used again and has been cancelled",
		})
	}
	return decline(ReasonDisposableUsed), nil
}

func (e *Engine) withRisk(d Decision, risk Decision) Decision {
	d.RiskScore = risk.RiskScore
	d.RiskLevel = risk.RiskLevel
	d.IsAnomaly = risk.IsAnomaly
	return d
}

func (e *Engine) recordAlert(ctx context.Context, accountID, instrumentID, txID string, v fraud.Verdict, geo fraud.GeoResult) {
	reasons := append([]string(nil), v.Reasons...)
	if geo.IsAnomaly {
		reasons = append(reasons, fraud.ReasonGeoImpossible)
	}
	alert, err := e.alerts.Append(ctx, fraud.Alert{
		AccountID:     accountID,
		InstrumentID:  instrumentID,
		TransactionID: txID,
		RiskScore:     v.RiskScore,
		Level:         v.Level,
		Reasons:       reasons,
		Anomaly:       geo.IsAnomaly,
	})
	if err != nil {
		// Alerts annotate; losing one must not change the verdict.
		e.logger.Error("persist fraud alert failed", slog.String("instrument_id", instrumentID), slog.Any("error", err))
		return
	}
	kind := notification.KindFraudAlert
	if !v.IsSuspicious {
		kind = notification.KindGeoAnomaly
	}
	e.notify(accountID, notification.Message{
		Kind:          kind,
		TransactionID: txID,
		Body:          fmt.Sprintf("Unusual activity detected (risk %d, %s)", alert.RiskScore, alert.Level),
		Data:          map[string]string{"alertId": alert.ID},
	})
}

func (e *Engine) notify(accountID string, msg notification.Message) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(accountID, msg)
}

func (e *Engine) cashback(amount decimal.Decimal, mcc string) decimal.Decimal {
	if e.fraud.Rules().IsHighRiskMCC(mcc) {
		return decimal.Zero
	}
	return amount.Mul(e.cashbackRate).Round(2)
}

// checkRestrictions applies the MCC and country lists. A block list entry
// wins over the allow list; an empty allow list allows everything.
func checkRestrictions(r account.Restrictions, mcc, country string) string {
	if slices.Contains(r.BlockedMCC, mcc) {
		return ReasonMCCBlocked
	}
	if len(r.AllowedMCC) > 0 && !slices.Contains(r.AllowedMCC, mcc) {
		return ReasonMCCNotAllowed
	}
	country = strings.ToUpper(country)
	if slices.Contains(r.BlockedCountries, country) {
		return ReasonCountryBlocked
	}
	if len(r.AllowedCountries) > 0 && !slices.Contains(r.AllowedCountries, country) {
		return ReasonCountryNotAllowed
	}
	return ""
}

// writeReason maps a guarded-write rejection to its reason code.
func writeReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDailyLimitExceeded):
		return ReasonDailyLimit
	case errors.Is(err, ledger.ErrVelocityExceeded):
		return ReasonVelocity
	case errors.Is(err, account.ErrSpendingLimitExceeded):
		return ReasonSpendingLimit
	case errors.Is(err, account.ErrMonthlyLimitExceeded):
		return ReasonMonthlyLimit
	case errors.Is(err, account.ErrDisposableUsed):
		return ReasonDisposableUsed
	case errors.Is(err, account.ErrCardInactive):
		return ReasonCardInactive
	case errors.Is(err, account.ErrCardNotFound):
		return ReasonCardNotFound
	default:
		return ""
	}
}

func displayMerchant(m string) string {
	if m == "" {
		return "merchant"
	}
	return m
}
