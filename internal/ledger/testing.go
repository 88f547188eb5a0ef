package ledger

// Seed is a test helper that inserts a transaction verbatim (status and
// timestamps included) when using the in-memory ledger.
func Seed(l Ledger, tx Transaction) Transaction {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return tx
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.insertLocked(tx)
}

// AuditTrail returns the audit events recorded by an in-memory ledger.
func AuditTrail(l Ledger) []AuditEvent {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return nil
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return append([]AuditEvent(nil), mem.audit...)
}
