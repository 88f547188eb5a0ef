package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mr-tron/base58"
)

// Solana commitment levels, weakest first.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// finalizedConfirmations stands in for the null confirmation count the node
// reports once a slot is rooted, keeping the count monotonic.
const finalizedConfirmations = 32

// SolanaClient speaks the Solana JSON-RPC dialect.
type SolanaClient struct {
	rpc        *rpcClient
	commitment string
}

// NewSolanaClient builds a client that treats commitment (default finalized)
// as confirmed.
func NewSolanaClient(url string, httpClient *http.Client, commitment string) *SolanaClient {
	switch commitment {
	case CommitmentConfirmed, CommitmentFinalized:
	default:
		commitment = CommitmentFinalized
	}
	return &SolanaClient{rpc: newRPCClient(url, httpClient), commitment: commitment}
}

const signatureLen = 64

// SolanaSignature returns the first signature of a wire-format transaction,
// base58 encoded. It is the transaction id.
func SolanaSignature(raw []byte) (string, error) {
	count, n := decodeShortVec(raw)
	if n == 0 || count == 0 || len(raw) < n+signatureLen {
		return "", ErrInvalidPayload
	}
	return base58.Encode(raw[n : n+signatureLen]), nil
}

// decodeShortVec reads a compact-u16 length prefix. n is 0 when malformed.
func decodeShortVec(raw []byte) (value, n int) {
	for i := 0; i < 3 && i < len(raw); i++ {
		b := int(raw[i])
		value |= (b & 0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}

// TxHash decodes the base64 payload and returns its signature.
func (c *SolanaClient) TxHash(signedPayload string) (string, error) {
	payload := strings.TrimSpace(signedPayload)
	if payload == "" {
		return "", ErrInvalidPayload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return SolanaSignature(raw)
}

// Broadcast submits a base64 encoded signed transaction and returns its
// signature.
func (c *SolanaClient) Broadcast(ctx context.Context, signedPayload string) (string, error) {
	payload := strings.TrimSpace(signedPayload)
	expected, err := c.TxHash(payload)
	if err != nil {
		return "", err
	}
	var sig string
	err = c.rpc.call(ctx, "sendTransaction", []any{payload, map[string]any{"encoding": "base64"}}, &sig)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return "", fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	}
	if err != nil {
		return "", err
	}
	if sig != expected {
		return "", fmt.Errorf("node returned signature %s, expected %s", sig, expected)
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               int64  `json:"slot"`
	Confirmations      *int64 `json:"confirmations"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

type signatureStatuses struct {
	Value []*signatureStatus `json:"value"`
}

// QueryStatus maps the signature status and its commitment level.
func (c *SolanaClient) QueryStatus(ctx context.Context, signature string) (Status, error) {
	var out signatureStatuses
	params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
	if err := c.rpc.call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return Status{}, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return Status{State: StatePending}, nil
	}
	s := out.Value[0]

	st := Status{State: StatePending, BlockNumber: s.Slot}
	switch {
	case s.Confirmations != nil:
		st.Confirmations = *s.Confirmations
	case s.ConfirmationStatus == CommitmentFinalized:
		st.Confirmations = finalizedConfirmations
	}
	if s.Err != nil {
		st.State = StateFailed
		return st, nil
	}
	if commitmentRank(s.ConfirmationStatus) >= commitmentRank(c.commitment) {
		st.State = StateConfirmed
	}
	return st, nil
}

func commitmentRank(level string) int {
	switch level {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}
