package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DefaultEVMConfirmations is the depth at which an EVM receipt is final.
const DefaultEVMConfirmations = 12

// EVMClient speaks the Ethereum JSON-RPC dialect.
type EVMClient struct {
	rpc      *rpcClient
	required int64
}

// NewEVMClient builds a client for the node at url. required <= 0 selects
// DefaultEVMConfirmations.
func NewEVMClient(url string, httpClient *http.Client, required int64) *EVMClient {
	if required <= 0 {
		required = DefaultEVMConfirmations
	}
	return &EVMClient{rpc: newRPCClient(url, httpClient), required: required}
}

// EVMTxHash returns the keccak-256 hash of a raw signed transaction, which is
// the hash the network will assign to it.
func EVMTxHash(raw []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func decodeHexPayload(payload string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(payload), "0x")
	if s == "" {
		return nil, ErrInvalidPayload
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

// TxHash decodes the hex payload and returns its keccak-256 hash.
func (c *EVMClient) TxHash(signedPayload string) (string, error) {
	raw, err := decodeHexPayload(signedPayload)
	if err != nil {
		return "", err
	}
	return EVMTxHash(raw), nil
}

// Broadcast submits the raw transaction. A node answering "already known"
// means an earlier broadcast of the same payload landed, so the locally
// computed hash is returned.
func (c *EVMClient) Broadcast(ctx context.Context, signedPayload string) (string, error) {
	raw, err := decodeHexPayload(signedPayload)
	if err != nil {
		return "", err
	}
	expected := EVMTxHash(raw)

	var hash string
	err = c.rpc.call(ctx, "eth_sendRawTransaction", []any{"0x" + hex.EncodeToString(raw)}, &hash)
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		if strings.Contains(strings.ToLower(rpcErr.Message), "already known") {
			return expected, nil
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	case err != nil:
		return "", err
	}
	if !strings.EqualFold(hash, expected) {
		return "", fmt.Errorf("node returned hash %s, expected %s", hash, expected)
	}
	return strings.ToLower(hash), nil
}

type evmReceipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

// QueryStatus reads the receipt and the chain head. No receipt means the
// transaction is still pending.
func (c *EVMClient) QueryStatus(ctx context.Context, txHash string) (Status, error) {
	var receipt *evmReceipt
	if err := c.rpc.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return Status{}, err
	}
	if receipt == nil || receipt.BlockNumber == "" {
		return Status{State: StatePending}, nil
	}

	block, err := parseQuantity(receipt.BlockNumber)
	if err != nil {
		return Status{}, fmt.Errorf("receipt block number: %w", err)
	}
	var headHex string
	if err := c.rpc.call(ctx, "eth_blockNumber", []any{}, &headHex); err != nil {
		return Status{}, err
	}
	head, err := parseQuantity(headHex)
	if err != nil {
		return Status{}, fmt.Errorf("head block number: %w", err)
	}

	confirmations := head - block + 1
	if confirmations < 0 {
		confirmations = 0
	}
	st := Status{State: StatePending, Confirmations: confirmations, BlockNumber: block}
	switch {
	case receipt.Status == "0x0":
		st.State = StateFailed
	case confirmations >= c.required:
		st.State = StateConfirmed
	}
	return st, nil
}

func parseQuantity(s string) (int64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	return strconv.ParseInt(s, 16, 64)
}
