package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/account"
)

// CardStore is the slice of the account repository the in-memory ledger
// needs to apply card counters inside its own critical section.
type CardStore interface {
	Card(ctx context.Context, id string) (account.Card, error)
	AddSpend(ctx context.Context, id string, amount decimal.Decimal) error
}

type inMemoryLedger struct {
	mu     sync.RWMutex
	cards  CardStore
	rows   []*Transaction
	byID   map[string]*Transaction
	byHash map[string]*Transaction
	audit  []AuditEvent
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and development. Every write holds one mutex, so the card-counter
// increment and the ledger insert are observed together.
func NewInMemory(cards CardStore) Ledger {
	return &inMemoryLedger{
		cards:  cards,
		byID:   make(map[string]*Transaction),
		byHash: make(map[string]*Transaction),
	}
}

func (l *inMemoryLedger) SpentBetween(_ context.Context, instrumentID string, from, to time.Time) (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spentLocked(instrumentID, from, to), nil
}

func (l *inMemoryLedger) spentLocked(instrumentID string, from, to time.Time) Totals {
	totals := Totals{Settled: decimal.Zero, Pending: decimal.Zero}
	for _, tx := range l.rows {
		if tx.InstrumentID != instrumentID || !countsTowardSpend(tx.Status) {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		if tx.Status == StatusPending {
			totals.Pending = totals.Pending.Add(tx.Amount)
		} else {
			totals.Settled = totals.Settled.Add(tx.Amount)
		}
	}
	return totals
}

func (l *inMemoryLedger) CountSince(_ context.Context, instrumentID string, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.countLocked(instrumentID, since), nil
}

func (l *inMemoryLedger) countLocked(instrumentID string, since time.Time) int {
	n := 0
	for _, tx := range l.rows {
		if tx.InstrumentID == instrumentID && tx.Status != StatusFailed && !tx.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (l *inMemoryLedger) History(_ context.Context, accountID string, since time.Time) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, tx := range l.rows {
		if tx.AccountID == accountID && !tx.CreatedAt.Before(since) {
			out = append(out, *tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *inMemoryLedger) LastWithLocation(_ context.Context, instrumentID string) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var last *Transaction
	for _, tx := range l.rows {
		if tx.InstrumentID != instrumentID || tx.Location == nil || tx.Status == StatusFailed {
			continue
		}
		if last == nil || tx.CreatedAt.After(last.CreatedAt) {
			last = tx
		}
	}
	if last == nil {
		return Transaction{}, ErrNotFound
	}
	return *last, nil
}

func (l *inMemoryLedger) RecordCardSpend(ctx context.Context, tx Transaction, guard Guard) (Transaction, error) {
	if !tx.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	card, err := l.cards.Card(ctx, tx.InstrumentID)
	if err != nil {
		return Transaction{}, err
	}
	if err := account.CheckSpend(card, tx.Amount); err != nil {
		return Transaction{}, err
	}
	if err := l.checkGuardLocked(tx, guard); err != nil {
		return Transaction{}, err
	}
	if err := l.cards.AddSpend(ctx, tx.InstrumentID, tx.Amount); err != nil {
		return Transaction{}, err
	}

	tx.Kind = KindCard
	tx.Status = StatusCompleted
	return l.insertLocked(tx), nil
}

func (l *inMemoryLedger) ReservePending(_ context.Context, tx Transaction, guard Guard) (Transaction, error) {
	if !tx.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkGuardLocked(tx, guard); err != nil {
		return Transaction{}, err
	}
	tx.Kind = KindOnChain
	tx.Status = StatusPending
	tx.TxHash = ""
	return l.insertLocked(tx), nil
}

func (l *inMemoryLedger) checkGuardLocked(tx Transaction, guard Guard) error {
	if guard.DailyLimit.IsPositive() {
		spent := l.spentLocked(tx.InstrumentID, guard.DayStart, guard.DayEnd).Sum()
		if spent.Add(tx.Amount).GreaterThan(guard.DailyLimit) {
			return ErrDailyLimitExceeded
		}
	}
	if guard.VelocityMax > 0 {
		if l.countLocked(tx.InstrumentID, tx.CreatedAt.Add(-guard.VelocityWindow)) >= guard.VelocityMax {
			return ErrVelocityExceeded
		}
	}
	return nil
}

func (l *inMemoryLedger) insertLocked(tx Transaction) Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	row := tx
	l.rows = append(l.rows, &row)
	l.byID[row.ID] = &row
	if row.TxHash != "" {
		l.byHash[row.TxHash] = &row
	}
	return row
}

func (l *inMemoryLedger) AttachHash(_ context.Context, id, txHash string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if existing, dup := l.byHash[txHash]; dup && existing.ID != id {
		return *existing, ErrDuplicateTransaction
	}
	row.TxHash = txHash
	l.byHash[txHash] = row
	return *row, nil
}

func (l *inMemoryLedger) Get(_ context.Context, id string) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *row, nil
}

func (l *inMemoryLedger) GetByHash(_ context.Context, txHash string) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.byHash[txHash]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *row, nil
}

func (l *inMemoryLedger) ListPending(_ context.Context, limit int) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, tx := range l.rows {
		if tx.Status == StatusPending {
			out = append(out, *tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *inMemoryLedger) ApplyStatus(_ context.Context, u StatusUpdate) (Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.byID[u.ID]
	if !ok {
		return Transaction{}, false, ErrNotFound
	}
	if !shouldApply(*row, u) {
		return *row, false, nil
	}
	row.Status = u.Status
	row.Confirmations = u.Confirmations
	row.BlockNumber = u.BlockNumber
	if u.Status == StatusConfirmed {
		at := u.ObservedAt.UTC()
		row.ConfirmedAt = &at
	}
	return *row, true, nil
}

func (l *inMemoryLedger) AppendAudit(_ context.Context, event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	l.audit = append(l.audit, event)
	return nil
}
