package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// SimulatedClient confirms every broadcast after a fixed number of status
// queries. It backs chains with no configured node in development.
type SimulatedClient struct {
	mu       sync.Mutex
	required int64
	seen     map[string]int64
}

// NewSimulatedClient builds a simulator; required <= 0 means one query.
func NewSimulatedClient(required int64) *SimulatedClient {
	if required <= 0 {
		required = 1
	}
	return &SimulatedClient{required: required, seen: make(map[string]int64)}
}

// TxHash derives a deterministic hash from the payload.
func (s *SimulatedClient) TxHash(signedPayload string) (string, error) {
	if signedPayload == "" {
		return "", ErrInvalidPayload
	}
	sum := sha256.Sum256([]byte(signedPayload))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// Broadcast records the payload's hash as seen by the simulated chain.
func (s *SimulatedClient) Broadcast(_ context.Context, signedPayload string) (string, error) {
	hash, err := s.TxHash(signedPayload)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[hash]; !ok {
		s.seen[hash] = 0
	}
	return hash, nil
}

// QueryStatus adds one confirmation per call until the transaction confirms.
func (s *SimulatedClient) QueryStatus(_ context.Context, txHash string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.seen[txHash]
	if !ok {
		return Status{State: StatePending}, nil
	}
	if n < s.required {
		n++
		s.seen[txHash] = n
	}
	st := Status{State: StatePending, Confirmations: n, BlockNumber: n}
	if n >= s.required {
		st.State = StateConfirmed
	}
	return st, nil
}
