package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/spendguard/internal/chain"
	"github.com/congo-pay/spendguard/internal/decision"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/notification"
)

const (
	storeTimeout       = 5 * time.Second
	defaultInterval    = 30 * time.Second
	defaultBatch       = 100
	defaultTimeout     = 60 * time.Minute
	defaultConcurrency = 8
)

// ReconcilerConfig tunes the loop.
type ReconcilerConfig struct {
	Interval    time.Duration
	Batch       int
	Timeout     time.Duration
	Concurrency int
}

// PassResult summarises one reconciliation pass.
type PassResult struct {
	Checked  int
	Updated  int
	TimedOut int
	Errors   int
}

// Reconciler owns the status fields of on-chain transactions after creation.
// Concurrent passes are safe: every write goes through the ledger's
// monotonic ApplyStatus guard.
type Reconciler struct {
	ledger   ledger.Ledger
	chains   *chain.Registry
	notifier decision.Notifier
	logger   *slog.Logger
	cfg      ReconcilerConfig
	now      func() time.Time

	mu   sync.Mutex
	done chan struct{}
}

// NewReconciler builds a reconciler; zero config fields take defaults.
func NewReconciler(l ledger.Ledger, chains *chain.Registry, notifier decision.Notifier, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Reconciler{ledger: l, chains: chains, notifier: notifier, logger: logger, cfg: cfg, now: time.Now}
}

// Start runs the loop in a goroutine. Wait blocks until it has returned.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	done := make(chan struct{})
	r.done = done
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
}

// Wait blocks until a loop started with Start has finished its in-flight
// pass and returned, or ctx expires.
func (r *Reconciler) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes a pass every interval until ctx is cancelled. A pass already
// in flight is allowed to finish.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Interval), slog.Int("batch", r.cfg.Batch))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			res, err := r.RunPass(context.WithoutCancel(ctx))
			if err != nil {
				r.logger.Error("reconcile pass failed", slog.Any("error", err))
				continue
			}
			if res.Checked > 0 {
				r.logger.Info("reconcile pass completed",
					slog.Int("checked", res.Checked),
					slog.Int("updated", res.Updated),
					slog.Int("timed_out", res.TimedOut),
					slog.Int("errors", res.Errors),
				)
			}
		}
	}
}

// RunPass reconciles up to one batch of pending transactions. Per-row chain
// errors are counted, not returned; they are retried on the next pass.
func (r *Reconciler) RunPass(ctx context.Context) (PassResult, error) {
	rows, err := r.ledger.ListPending(ctx, r.cfg.Batch)
	if err != nil {
		return PassResult{}, fmt.Errorf("list pending: %w", err)
	}

	var updated, timedOut, failures atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, tx := range rows {
		tx := tx
		g.Go(func() error {
			out, err := r.reconcile(gctx, tx)
			if err != nil {
				failures.Add(1)
				r.logger.Warn("reconcile row failed",
					slog.String("transaction_id", tx.ID),
					slog.String("tx_hash", tx.TxHash),
					slog.Any("error", err),
				)
				return nil
			}
			switch out {
			case outcomeUpdated:
				updated.Add(1)
			case outcomeTimedOut:
				timedOut.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return PassResult{
		Checked:  len(rows),
		Updated:  int(updated.Load()),
		TimedOut: int(timedOut.Load()),
		Errors:   int(failures.Load()),
	}, nil
}

// CheckByHash runs the same reconciliation for one transaction on demand and
// returns its current row.
func (r *Reconciler) CheckByHash(ctx context.Context, txHash string) (ledger.Transaction, error) {
	tx, err := r.ledger.GetByHash(ctx, txHash)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return r.check(ctx, tx)
}

// CheckOwnedByHash is CheckByHash for one account. Rows owned by another
// account report ledger.ErrNotFound without touching the chain.
func (r *Reconciler) CheckOwnedByHash(ctx context.Context, accountID, txHash string) (ledger.Transaction, error) {
	tx, err := r.ledger.GetByHash(ctx, txHash)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.AccountID != accountID {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return r.check(ctx, tx)
}

func (r *Reconciler) check(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if _, err := r.reconcile(ctx, tx); err != nil {
		r.logger.Warn("on-demand check failed", slog.String("tx_hash", tx.TxHash), slog.Any("error", err))
	}
	return r.ledger.Get(ctx, tx.ID)
}

type outcome int

const (
	outcomeNoop outcome = iota
	outcomeUpdated
	outcomeTimedOut
)

func (r *Reconciler) reconcile(ctx context.Context, tx ledger.Transaction) (outcome, error) {
	if tx.Status != ledger.StatusPending {
		return outcomeNoop, nil
	}
	now := r.now().UTC()

	if now.Sub(tx.CreatedAt) > r.cfg.Timeout {
		row, applied, err := r.ledger.ApplyStatus(ctx, ledger.StatusUpdate{
			ID:            tx.ID,
			Status:        ledger.StatusFailed,
			Confirmations: tx.Confirmations,
			BlockNumber:   tx.BlockNumber,
			ObservedAt:    now,
		})
		if err != nil {
			return outcomeNoop, fmt.Errorf("apply timeout: %w", err)
		}
		if !applied {
			return outcomeNoop, nil
		}
		r.settled(ctx, row, ActionTimeout, fmt.Sprintf("pending for %s, exceeds %s", now.Sub(tx.CreatedAt).Round(time.Second), r.cfg.Timeout))
		return outcomeTimedOut, nil
	}

	if tx.TxHash == "" {
		// Reserved but not yet broadcast.
		return outcomeNoop, nil
	}

	st, err := r.chains.QueryStatus(ctx, tx.Chain, tx.TxHash)
	if err != nil {
		return outcomeNoop, err
	}
	row, applied, err := r.ledger.ApplyStatus(ctx, ledger.StatusUpdate{
		ID:            tx.ID,
		Status:        toLedgerStatus(st.State),
		Confirmations: st.Confirmations,
		BlockNumber:   st.BlockNumber,
		ObservedAt:    now,
	})
	if err != nil {
		return outcomeNoop, fmt.Errorf("apply status: %w", err)
	}
	if !applied {
		return outcomeNoop, nil
	}
	switch row.Status {
	case ledger.StatusConfirmed:
		r.settled(ctx, row, ActionConfirmed, fmt.Sprintf("%d confirmations at block %d", row.Confirmations, row.BlockNumber))
	case ledger.StatusFailed:
		r.settled(ctx, row, ActionFailed, "chain reported failure")
	}
	return outcomeUpdated, nil
}

// settled records the terminal transition and notifies the owner.
func (r *Reconciler) settled(ctx context.Context, tx ledger.Transaction, action, detail string) {
	if err := r.ledger.AppendAudit(ctx, ledger.AuditEvent{TransactionID: tx.ID, Action: action, Detail: detail}); err != nil {
		r.logger.Error("audit append failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
	r.logger.Info("transaction settled",
		slog.String("transaction_id", tx.ID),
		slog.String("tx_hash", tx.TxHash),
		slog.String("status", tx.Status),
		slog.String("action", action),
	)
	if r.notifier == nil {
		return
	}
	kind := notification.KindSendConfirmed
	if tx.Status == ledger.StatusFailed {
		kind = notification.KindSendFailed
	}
	r.notifier.Notify(tx.AccountID, notification.Message{
		Kind:          kind,
		TransactionID: tx.ID,
		Body:          fmt.Sprintf("Transaction %s is %s", tx.TxHash, tx.Status),
	})
}

func toLedgerStatus(state string) string {
	switch state {
	case chain.StateConfirmed:
		return ledger.StatusConfirmed
	case chain.StateFailed:
		return ledger.StatusFailed
	default:
		return ledger.StatusPending
	}
}
