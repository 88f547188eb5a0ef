// Package idempotency deduplicates retried mutating requests. Records are
// scoped per account so two accounts can reuse the same key.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a stored response is replayed.
const DefaultTTL = 24 * time.Hour

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Response is the stored outcome of the first request.
type Response struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Result is the outcome of Check.
type Result struct {
	IsDuplicate bool
	// InProgress is set when the first request has not finished yet.
	InProgress bool
	Response   *Response
}

// Guard is implemented by idempotency record stores.
type Guard interface {
	// Check reports whether key was already seen for scope.
	Check(ctx context.Context, key, scope string) (Result, error)
	// Reserve claims key for scope. It returns false when another request
	// holds or completed the key.
	Reserve(ctx context.Context, key, scope string) (bool, error)
	// Store replaces the reservation with the final response.
	Store(ctx context.Context, key, scope string, resp Response) error
	// Release drops a reservation so the caller may retry.
	Release(ctx context.Context, key, scope string) error
}

func recordKey(key, scope string) string {
	return "idempotency:v1:" + scope + ":" + key
}
