// Package chain talks to blockchain nodes. Each chain family implements
// Client; the Registry selects one by chain identifier so callers never
// branch on the chain themselves.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Observed transaction states.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
)

var (
	// ErrUnsupportedChain is returned for a chain with no registered client.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrRejected means the node refused the payload. Retrying the same
	// payload will not help.
	ErrRejected = errors.New("transaction rejected by node")
	// ErrUnavailable wraps transport failures; callers retry later.
	ErrUnavailable = errors.New("chain rpc unavailable")
	// ErrInvalidPayload is returned when a signed payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid signed payload")
)

// Status is a point-in-time observation of a transaction.
type Status struct {
	State         string
	Confirmations int64
	BlockNumber   int64
}

// Client is implemented once per chain family. TxHash derives the hash the
// network will assign without contacting a node, so a broadcast whose
// response was lost can still be tracked.
type Client interface {
	TxHash(signedPayload string) (string, error)
	Broadcast(ctx context.Context, signedPayload string) (string, error)
	QueryStatus(ctx context.Context, txHash string) (Status, error)
}

// Registry maps chain identifiers to clients. Identifiers are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a client to a chain identifier, replacing any previous one.
func (r *Registry) Register(chainID string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(chainID)] = client
}

// Client returns the client for chainID.
func (r *Registry) Client(chainID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(chainID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Supports reports whether chainID has a client.
func (r *Registry) Supports(chainID string) bool {
	_, err := r.Client(chainID)
	return err == nil
}

// Chains lists the registered identifiers in order.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TxHash derives the hash of signedPayload on chainID.
func (r *Registry) TxHash(chainID, signedPayload string) (string, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return "", err
	}
	return c.TxHash(signedPayload)
}

// Broadcast pushes a pre-signed payload to chainID and returns its hash.
func (r *Registry) Broadcast(ctx context.Context, chainID, signedPayload string) (string, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return "", err
	}
	return c.Broadcast(ctx, signedPayload)
}

// QueryStatus observes txHash on chainID.
func (r *Registry) QueryStatus(ctx context.Context, chainID, txHash string) (Status, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return Status{}, err
	}
	return c.QueryStatus(ctx, txHash)
}
