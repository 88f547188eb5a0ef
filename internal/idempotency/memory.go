package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	response  *Response
	expiresAt time.Time
}

// MemoryGuard is an in-process Guard for development and tests.
type MemoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryRecord
}

// NewMemoryGuard constructs an in-memory guard; ttl <= 0 selects DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{ttl: ttl, now: time.Now, records: make(map[string]memoryRecord)}
}

// lookupLocked returns the live record, evicting it when expired.
func (g *MemoryGuard) lookupLocked(k string) (memoryRecord, bool) {
	rec, ok := g.records[k]
	if !ok {
		return memoryRecord{}, false
	}
	if !g.now().Before(rec.expiresAt) {
		delete(g.records, k)
		return memoryRecord{}, false
	}
	return rec, true
}

func (g *MemoryGuard) Check(_ context.Context, key, scope string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.lookupLocked(recordKey(key, scope))
	if !ok {
		return Result{}, nil
	}
	if rec.response == nil {
		return Result{IsDuplicate: true, InProgress: true}, nil
	}
	resp := *rec.response
	return Result{IsDuplicate: true, Response: &resp}, nil
}

func (g *MemoryGuard) Reserve(_ context.Context, key, scope string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := recordKey(key, scope)
	if _, ok := g.lookupLocked(k); ok {
		return false, nil
	}
	g.records[k] = memoryRecord{expiresAt: g.now().Add(g.ttl)}
	return true, nil
}

func (g *MemoryGuard) Store(_ context.Context, key, scope string, resp Response) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[recordKey(key, scope)] = memoryRecord{response: &resp, expiresAt: g.now().Add(g.ttl)}
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key, scope string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, recordKey(key, scope))
	return nil
}
