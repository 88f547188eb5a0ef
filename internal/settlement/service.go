// Package settlement broadcasts approved on-chain sends and reconciles them
// with the chain until they reach a terminal state.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/chain"
	"github.com/congo-pay/spendguard/internal/decision"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/notification"
)

// Audit actions recorded against transactions.
const (
	ActionBroadcastFailed = "broadcast_failed"
	ActionBroadcastUnsure = "broadcast_unconfirmed"
	ActionDuplicate       = "duplicate_submission"
	ActionTimeout         = "timeout"
	ActionConfirmed       = "confirmed"
	ActionFailed          = "failed"
)

// SubmitInput is a client-signed send.
type SubmitInput struct {
	AccountID     string
	WalletID      string
	Chain         string
	SignedPayload string
	AmountUSD     decimal.Decimal
	Recipient     string
}

// SubmitResult is the outcome of Submit. Transaction is zero when declined.
type SubmitResult struct {
	Decision    decision.Decision
	Transaction ledger.Transaction
}

// Service is the submit side of the state machine.
type Service struct {
	engine   *decision.Engine
	ledger   ledger.Ledger
	chains   *chain.Registry
	notifier decision.Notifier
	logger   *slog.Logger
}

// NewService constructs a settlement service.
func NewService(engine *decision.Engine, l ledger.Ledger, chains *chain.Registry, notifier decision.Notifier, logger *slog.Logger) *Service {
	return &Service{engine: engine, ledger: l, chains: chains, notifier: notifier, logger: logger}
}

// Submit authorizes the send, reserves a pending row, broadcasts the payload
// and attaches the resulting hash. It does not wait for confirmation.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if !s.chains.Supports(in.Chain) {
		return SubmitResult{}, fmt.Errorf("%w: %s", chain.ErrUnsupportedChain, in.Chain)
	}

	sd, err := s.engine.AuthorizeSend(ctx, decision.SendRequest{
		AccountID: in.AccountID,
		WalletID:  in.WalletID,
		Chain:     in.Chain,
		AmountUSD: in.AmountUSD,
		Recipient: in.Recipient,
	})
	if err != nil {
		return SubmitResult{Decision: sd.Decision}, err
	}
	if !sd.Approved {
		return SubmitResult{Decision: sd.Decision}, nil
	}
	reserved := sd.Transaction

	hash, err := s.chains.Broadcast(ctx, reserved.Chain, in.SignedPayload)
	if err != nil {
		if definitive(err) {
			s.abandon(reserved, ActionBroadcastFailed, err.Error())
			return SubmitResult{Decision: sd.Decision}, fmt.Errorf("broadcast: %w", err)
		}
		// The node may have accepted the payload. Track the derived hash and
		// let reconciliation or the timeout decide.
		derived, hashErr := s.chains.TxHash(reserved.Chain, in.SignedPayload)
		if hashErr != nil {
			s.abandon(reserved, ActionBroadcastFailed, err.Error())
			return SubmitResult{Decision: sd.Decision}, fmt.Errorf("broadcast: %w", err)
		}
		s.logger.Warn("broadcast outcome unknown, tracking derived hash",
			slog.String("transaction_id", reserved.ID),
			slog.String("tx_hash", derived),
			slog.Any("error", err),
		)
		s.audit(reserved.ID, ActionBroadcastUnsure, err.Error())
		hash = derived
	}

	// The broadcast already happened; record the hash even if the caller left.
	attachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	tx, err := s.ledger.AttachHash(attachCtx, reserved.ID, hash)
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// The payload was already submitted; the earlier row owns the hash.
		s.abandon(reserved, ActionDuplicate, "hash "+hash+" already recorded as "+tx.ID)
		sd.TransactionID = tx.ID
		return SubmitResult{Decision: sd.Decision, Transaction: tx}, nil
	}
	if err != nil {
		return SubmitResult{Decision: sd.Decision}, fmt.Errorf("attach hash: %w", err)
	}

	s.logger.Info("transaction broadcast",
		slog.String("transaction_id", tx.ID),
		slog.String("chain", tx.Chain),
		slog.String("tx_hash", hash),
	)
	if s.notifier != nil {
		s.notifier.Notify(tx.AccountID, notification.Message{
			Kind:          notification.KindSendSubmitted,
			TransactionID: tx.ID,
			Body:          fmt.Sprintf("Transaction %s submitted on %s", hash, tx.Chain),
		})
	}
	return SubmitResult{Decision: sd.Decision, Transaction: tx}, nil
}

// definitive reports whether a broadcast error proves the payload never
// reached the chain.
func definitive(err error) bool {
	return errors.Is(err, chain.ErrRejected) ||
		errors.Is(err, chain.ErrInvalidPayload) ||
		errors.Is(err, chain.ErrUnsupportedChain)
}

func (s *Service) audit(txID, action, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.ledger.AppendAudit(ctx, ledger.AuditEvent{TransactionID: txID, Action: action, Detail: detail}); err != nil {
		s.logger.Warn("audit append failed", slog.String("transaction_id", txID), slog.Any("error", err))
	}
}

// abandon fails a reservation that never reached the chain so it stops
// holding daily budget. It runs detached from the request context.
func (s *Service) abandon(tx ledger.Transaction, action, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, _, err := s.ledger.ApplyStatus(ctx, ledger.StatusUpdate{ID: tx.ID, Status: ledger.StatusFailed, ObservedAt: tx.CreatedAt}); err != nil {
		s.logger.Error("abandon reservation failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
		return
	}
	s.audit(tx.ID, action, detail)
	s.logger.Warn("reservation abandoned", slog.String("transaction_id", tx.ID), slog.String("action", action), slog.String("detail", detail))
}
