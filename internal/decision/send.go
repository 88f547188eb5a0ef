package decision

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/fraud"
	"github.com/congo-pay/spendguard/internal/ledger"
)

// SendRequest is a proposed on-chain send from one of the caller's wallets.
type SendRequest struct {
	AccountID string
	WalletID  string
	Chain     string
	// AmountUSD is the client-declared USD value used for limits.
	AmountUSD decimal.Decimal
	Recipient string
}

// SendDecision carries the verdict and, when approved, the reserved pending row.
type SendDecision struct {
	Decision
	Transaction ledger.Transaction
}

// AuthorizeSend evaluates an on-chain send and, when approved, reserves a
// pending ledger row under the same daily and velocity guard. Wallets have no
// per-instrument daily limit, so the service-wide cap applies.
func (e *Engine) AuthorizeSend(ctx context.Context, req SendRequest) (SendDecision, error) {
	fail := func(step string, err error) (SendDecision, error) {
		d, err := systemError(step, err)
		return SendDecision{Decision: d}, err
	}
	declined := func(code string, risk Decision) (SendDecision, error) {
		return SendDecision{Decision: e.withRisk(decline(code), risk)}, nil
	}

	if !req.AmountUSD.IsPositive() {
		return SendDecision{Decision: decline(ReasonSystemError)}, ledger.ErrInvalidAmount
	}
	wallet, err := e.accounts.Wallet(ctx, req.WalletID)
	if errors.Is(err, account.ErrWalletNotFound) {
		return declined(ReasonWalletNotFound, Decision{})
	}
	if err != nil {
		return fail("load wallet", err)
	}
	if wallet.AccountID != req.AccountID || !strings.EqualFold(wallet.Chain, req.Chain) {
		return declined(ReasonForbidden, Decision{})
	}
	acct, err := e.accounts.Account(ctx, wallet.AccountID)
	if err != nil {
		return fail("load account", err)
	}

	now := e.aggregator.Now()
	verdict, err := e.fraud.Score(ctx, fraud.Input{
		AccountID:    wallet.AccountID,
		InstrumentID: wallet.ID,
		Amount:       req.AmountUSD,
		Counterparty: req.Recipient,
		Channel:      ledger.KindOnChain,
		At:           now,
		Timezone:     acct.Location(),
	})
	if err != nil {
		return fail("fraud score", err)
	}
	risk := Decision{RiskScore: verdict.RiskScore, RiskLevel: verdict.Level}
	txID := uuid.NewString()
	if verdict.IsSuspicious {
		e.recordAlert(ctx, wallet.AccountID, wallet.ID, txID, verdict, fraud.GeoResult{})
		if !e.reviewOnly {
			return declined(ReasonFraudDetected, risk)
		}
		risk.FlaggedReview = true
	}

	daily, err := e.aggregator.Daily(ctx, wallet.ID, req.AmountUSD, decimal.Zero)
	if err != nil {
		return fail("daily limit", err)
	}
	if !daily.Allowed {
		return declined(ReasonDailyLimit, risk)
	}
	_, underCap, err := e.aggregator.Velocity(ctx, wallet.ID)
	if err != nil {
		return fail("velocity", err)
	}
	if !underCap {
		return declined(ReasonVelocity, risk)
	}
	if wallet.CachedBalanceUSD.LessThan(req.AmountUSD) {
		return declined(ReasonInsufficientFunds, risk)
	}

	tx, err := e.ledger.ReservePending(ctx, ledger.Transaction{
		ID:           txID,
		AccountID:    wallet.AccountID,
		InstrumentID: wallet.ID,
		Chain:        wallet.Chain,
		Amount:       req.AmountUSD,
		Currency:     "USD",
		Counterparty: req.Recipient,
		Flagged:      risk.FlaggedReview,
		CreatedAt:    now,
	}, e.aggregator.Guard(decimal.Zero, now))
	if err != nil {
		if code := writeReason(err); code != "" {
			return declined(code, risk)
		}
		return fail("reserve pending", err)
	}

	risk.Approved = true
	risk.TransactionID = tx.ID
	return SendDecision{Decision: risk, Transaction: tx}, nil
}
