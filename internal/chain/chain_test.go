package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mr-tron/base58"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int64             `json:"id"`
}

// fakeNode answers JSON-RPC calls from a method table. A handler returns
// either a result or an *RPCError.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *RPCError)
	calls    []string
}

func newFakeNode(t *testing.T, handlers map[string]func([]json.RawMessage) (any, *RPCError)) (*httptest.Server, *fakeNode) {
	t.Helper()
	node := &fakeNode{handlers: handlers}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		node.mu.Lock()
		node.calls = append(node.calls, call.Method)
		h, ok := node.handlers[call.Method]
		node.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if !ok {
			resp["error"] = RPCError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := h(call.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, node
}

const rawTx = "0xf86b808504a817c800825208943535353535353535353535353535353535353535880de0b6b3a76400008025a0"

func TestEVMBroadcastReturnsKeccakHash(t *testing.T) {
	raw, _ := decodeHexPayload(rawTx)
	want := EVMTxHash(raw)

	srv, _ := newFakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"eth_sendRawTransaction": func([]json.RawMessage) (any, *RPCError) { return want, nil },
	})
	c := NewEVMClient(srv.URL, srv.Client(), 3)
	got, err := c.Broadcast(context.Background(), rawTx)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got != want || len(got) != 66 {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEVMBroadcastErrors(t *testing.T) {
	srv, _ := newFakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"eth_sendRawTransaction": func(params []json.RawMessage) (any, *RPCError) {
			var payload string
			_ = json.Unmarshal(params[0], &payload)
			if payload == rawTx {
				return nil, &RPCError{Code: -32000, Message: "already known"}
			}
			return nil, &RPCError{Code: -32000, Message: "nonce too low"}
		},
	})
	c := NewEVMClient(srv.URL, srv.Client(), 3)

	raw, _ := decodeHexPayload(rawTx)
	if got, err := c.Broadcast(context.Background(), rawTx); err != nil || got != EVMTxHash(raw) {
		t.Fatalf("already-known rebroadcast should resolve to the hash: %s %v", got, err)
	}
	if _, err := c.Broadcast(context.Background(), "0xdead"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if _, err := c.Broadcast(context.Background(), "not-hex"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestEVMQueryStatus(t *testing.T) {
	var receipt any
	head := "0x10"
	srv, _ := newFakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"eth_getTransactionReceipt": func([]json.RawMessage) (any, *RPCError) { return receipt, nil },
		"eth_blockNumber":           func([]json.RawMessage) (any, *RPCError) { return head, nil },
	})
	c := NewEVMClient(srv.URL, srv.Client(), 3)
	ctx := context.Background()

	st, err := c.QueryStatus(ctx, "0xabc")
	if err != nil || st.State != StatePending || st.Confirmations != 0 {
		t.Fatalf("missing receipt should be pending: %+v %v", st, err)
	}

	receipt = map[string]string{"status": "0x1", "blockNumber": "0xf"}
	st, _ = c.QueryStatus(ctx, "0xabc")
	if st.State != StatePending || st.Confirmations != 2 || st.BlockNumber != 15 {
		t.Fatalf("expected 2 confirmations pending, got %+v", st)
	}

	head = "0x11"
	st, _ = c.QueryStatus(ctx, "0xabc")
	if st.State != StateConfirmed || st.Confirmations != 3 {
		t.Fatalf("expected confirmed at depth 3, got %+v", st)
	}

	receipt = map[string]string{"status": "0x0", "blockNumber": "0xf"}
	st, _ = c.QueryStatus(ctx, "0xabc")
	if st.State != StateFailed {
		t.Fatalf("reverted receipt should fail, got %+v", st)
	}
}

// solanaPayload builds a one-signature wire transaction and its expected id.
func solanaPayload() (string, string) {
	sig := make([]byte, signatureLen)
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	raw := append([]byte{1}, sig...)
	raw = append(raw, 0x01, 0x00, 0x01, 0x02)
	return base64.StdEncoding.EncodeToString(raw), base58.Encode(sig)
}

func TestSolanaStatusByCommitment(t *testing.T) {
	var status any
	payload, wantSig := solanaPayload()
	srv, node := newFakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sendTransaction":      func([]json.RawMessage) (any, *RPCError) { return wantSig, nil },
		"getSignatureStatuses": func([]json.RawMessage) (any, *RPCError) { return map[string]any{"value": []any{status}}, nil },
	})
	c := NewSolanaClient(srv.URL, srv.Client(), "")
	ctx := context.Background()

	sig, err := c.Broadcast(ctx, payload)
	if err != nil || sig != wantSig {
		t.Fatalf("broadcast: %s %v", sig, err)
	}

	st, _ := c.QueryStatus(ctx, sig)
	if st.State != StatePending {
		t.Fatalf("unknown signature should be pending, got %+v", st)
	}

	status = map[string]any{"slot": 100, "confirmations": 5, "err": nil, "confirmationStatus": "confirmed"}
	st, _ = c.QueryStatus(ctx, sig)
	if st.State != StatePending || st.Confirmations != 5 || st.BlockNumber != 100 {
		t.Fatalf("confirmed commitment is below finalized: %+v", st)
	}

	status = map[string]any{"slot": 100, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"}
	st, _ = c.QueryStatus(ctx, sig)
	if st.State != StateConfirmed || st.Confirmations != finalizedConfirmations {
		t.Fatalf("expected finalized to confirm, got %+v", st)
	}

	status = map[string]any{"slot": 100, "confirmations": 1, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "processed"}
	st, _ = c.QueryStatus(ctx, sig)
	if st.State != StateFailed {
		t.Fatalf("expected failed, got %+v", st)
	}

	if len(node.calls) != 5 {
		t.Fatalf("expected 5 rpc calls, got %v", node.calls)
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEVMClient(srv.URL, srv.Client(), 0)
	if _, err := c.QueryStatus(context.Background(), "0xabc"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	sim := NewSimulatedClient(2)
	r.Register("Polygon", sim)

	if _, err := r.Client("solana"); !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
	ctx := context.Background()
	hash, err := r.Broadcast(ctx, "polygon", "payload")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	again, _ := r.Broadcast(ctx, "POLYGON", "payload")
	if again != hash {
		t.Fatal("simulated hashes must be deterministic")
	}

	st, _ := r.QueryStatus(ctx, "polygon", hash)
	if st.State != StatePending || st.Confirmations != 1 {
		t.Fatalf("expected 1 confirmation, got %+v", st)
	}
	st, _ = r.QueryStatus(ctx, "polygon", hash)
	if st.State != StateConfirmed {
		t.Fatalf("expected confirmed, got %+v", st)
	}
	if chains := r.Chains(); len(chains) != 1 || chains[0] != "polygon" {
		t.Fatalf("unexpected chains %v", chains)
	}
}

func TestTxHashWithoutNode(t *testing.T) {
	raw, _ := decodeHexPayload(rawTx)
	evm := NewEVMClient("http://127.0.0.1:0", nil, 0)
	if h, err := evm.TxHash(rawTx); err != nil || h != EVMTxHash(raw) {
		t.Fatalf("evm tx hash: %s %v", h, err)
	}
	if _, err := evm.TxHash("0xzz"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	payload, wantSig := solanaPayload()
	sol := NewSolanaClient("http://127.0.0.1:0", nil, "")
	if sig, err := sol.TxHash(payload); err != nil || sig != wantSig {
		t.Fatalf("solana signature: %s %v", sig, err)
	}
	short := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := sol.TxHash(short); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for truncated payload, got %v", err)
	}
	zeroSigs := base64.StdEncoding.EncodeToString(make([]byte, 80))
	if _, err := sol.TxHash(zeroSigs); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unsigned payload, got %v", err)
	}

	sim := NewSimulatedClient(1)
	derived, _ := sim.TxHash("0x02f8")
	broadcast, err := sim.Broadcast(context.Background(), "0x02f8")
	if err != nil || broadcast != derived {
		t.Fatalf("simulated hash mismatch: %s vs %s (%v)", broadcast, derived, err)
	}

	reg := NewRegistry()
	reg.Register("ethereum", evm)
	if h, err := reg.TxHash("Ethereum", rawTx); err != nil || h != EVMTxHash(raw) {
		t.Fatalf("registry tx hash: %s %v", h, err)
	}
	if _, err := reg.TxHash("dogecoin", rawTx); !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
}
