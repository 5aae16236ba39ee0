package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a per-method handler and counts them.
type fakeNode struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(req rpcRequest) (int, any)
	lastReq  map[string]rpcRequest
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	node := &fakeNode{
		calls:    map[string]int{},
		handlers: map[string]func(req rpcRequest) (int, any){},
		lastReq:  map[string]rpcRequest{},
	}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		Endpoint:       srv.URL,
		ConfirmTimeout: 500 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, fastRetrier(3, nil), nil)
	return node, client
}

func (n *fakeNode) handle(method string, fn func(req rpcRequest) (int, any)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) last(method string) rpcRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastReq[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	n.lastReq[req.Method] = req
	fn := n.handlers[req.Method]
	n.mu.Unlock()
	if fn == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		return
	}
	status, payload := fn(req)
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if e, ok := payload.(*RPCError); ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": e.Code, "message": e.Message}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": payload})
}

func accountJSON(owner PublicKey, lamports uint64, data []byte) map[string]any {
	return map[string]any{
		"lamports":   lamports,
		"owner":      owner.String(),
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"rentEpoch":  uint64(18446744073709551615),
	}
}

func TestGetAccountInfoDecodesData(t *testing.T) {
	node, client := newFakeNode(t)
	owner := MustPublicKey(promoProgram)
	node.handle("getAccountInfo", func(rpcRequest) (int, any) {
		return http.StatusOK, map[string]any{"context": map[string]any{"slot": 1}, "value": accountJSON(owner, 5000, []byte{1, 2, 3})}
	})

	info, err := client.GetAccountInfo(context.Background(), newKey(t).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, owner, info.Owner)
	assert.Equal(t, uint64(5000), info.Lamports)
	assert.Equal(t, []byte{1, 2, 3}, info.Data)
}

func TestGetAccountInfoMissingAccount(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getAccountInfo", func(rpcRequest) (int, any) {
		return http.StatusOK, map[string]any{"context": map[string]any{"slot": 1}, "value": nil}
	})

	_, err := client.GetAccountInfo(context.Background(), newKey(t).PublicKey)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 1, node.count("getAccountInfo"))
}

func TestRateLimitedCallsAreRetried(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getBalance", func(rpcRequest) (int, any) {
		if node.count("getBalance") < 3 {
			return http.StatusTooManyRequests, nil
		}
		return http.StatusOK, map[string]any{"context": map[string]any{"slot": 1}, "value": 42}
	})

	balance, err := client.GetBalance(context.Background(), newKey(t).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balance)
	assert.Equal(t, 3, node.count("getBalance"))
}

func TestRateLimitExhaustionReportsAttempts(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getLatestBlockhash", func(rpcRequest) (int, any) {
		return http.StatusOK, &RPCError{Code: 429, Message: "Too many requests for a specific RPC call"}
	})

	_, err := client.GetLatestBlockhash(context.Background())
	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, "getLatestBlockhash", retryErr.Label)
	assert.Equal(t, 3, node.count("getLatestBlockhash"))
}

func TestServerErrorsAreNotRetried(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getBalance", func(rpcRequest) (int, any) {
		return http.StatusInternalServerError, nil
	})

	_, err := client.GetBalance(context.Background(), newKey(t).PublicKey)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, 1, node.count("getBalance"))
}

func TestGetProgramAccountsSendsFilters(t *testing.T) {
	node, client := newFakeNode(t)
	program := MustPublicKey(promoProgram)
	campaign := newKey(t).PublicKey
	holder := newKey(t).PublicKey
	node.handle("getProgramAccounts", func(rpcRequest) (int, any) {
		return http.StatusOK, []any{
			map[string]any{"pubkey": holder.String(), "account": accountJSON(program, 1, []byte{9})},
		}
	})

	got, err := client.GetProgramAccounts(context.Background(), program, MemcmpFilter(8, campaign[:]), DataSizeFilter(90))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, holder, got[0].PublicKey)

	req := node.last("getProgramAccounts")
	require.Len(t, req.Params, 2)
	var opts struct {
		Encoding string `json:"encoding"`
		Filters  []struct {
			Memcmp *struct {
				Offset uint64 `json:"offset"`
				Bytes  string `json:"bytes"`
			} `json:"memcmp"`
			DataSize *uint64 `json:"dataSize"`
		} `json:"filters"`
	}
	require.NoError(t, json.Unmarshal(req.Params[1], &opts))
	assert.Equal(t, "base64", opts.Encoding)
	require.Len(t, opts.Filters, 2)
	require.NotNil(t, opts.Filters[0].Memcmp)
	assert.Equal(t, uint64(8), opts.Filters[0].Memcmp.Offset)
	assert.Equal(t, base58.Encode(campaign[:]), opts.Filters[0].Memcmp.Bytes)
	require.NotNil(t, opts.Filters[1].DataSize)
	assert.Equal(t, uint64(90), *opts.Filters[1].DataSize)
}

func TestFindReferencePicksOldestSuccessfulSignature(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getSignaturesForAddress", func(rpcRequest) (int, any) {
		return http.StatusOK, []any{
			map[string]any{"signature": "newest", "slot": 30, "err": nil, "confirmationStatus": "confirmed"},
			map[string]any{"signature": "middle", "slot": 20, "err": nil, "confirmationStatus": "finalized"},
			map[string]any{"signature": "failed", "slot": 10, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "finalized"},
		}
	})

	got, err := client.FindReference(context.Background(), newKey(t).PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "middle", got.Signature)
}

func TestFindReferenceNotFound(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getSignaturesForAddress", func(rpcRequest) (int, any) {
		return http.StatusOK, []any{}
	})

	_, err := client.FindReference(context.Background(), newKey(t).PublicKey)
	assert.ErrorIs(t, err, ErrReferenceNotFound)
}

func TestSendAndConfirmTransaction(t *testing.T) {
	node, client := newFakeNode(t)
	payer := newKey(t)
	tx, err := Assemble([]Instruction{TransferInstruction(payer.PublicKey, newKey(t).PublicKey, 10)}, payer.PublicKey, newKey(t).PublicKey)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))

	node.handle("sendTransaction", func(req rpcRequest) (int, any) {
		var encoded string
		_ = json.Unmarshal(req.Params[0], &encoded)
		parsed, err := ParseTransactionBase64(encoded)
		if err != nil || parsed.VerifySignatures() != nil {
			return http.StatusOK, &RPCError{Code: -32602, Message: "bad transaction"}
		}
		return http.StatusOK, "sig-1"
	})
	node.handle("getSignatureStatuses", func(rpcRequest) (int, any) {
		if node.count("getSignatureStatuses") < 2 {
			return http.StatusOK, map[string]any{"value": []any{nil}}
		}
		return http.StatusOK, map[string]any{"value": []any{map[string]any{"slot": 5, "confirmations": 0, "err": nil, "confirmationStatus": "confirmed"}}}
	})

	sig, err := client.SendAndConfirmTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)
	assert.Equal(t, 1, node.count("sendTransaction"))
	assert.Equal(t, 2, node.count("getSignatureStatuses"))
}

func TestSendAndConfirmReportsOnChainFailure(t *testing.T) {
	node, client := newFakeNode(t)
	payer := newKey(t)
	tx, err := Assemble([]Instruction{TransferInstruction(payer.PublicKey, newKey(t).PublicKey, 10)}, payer.PublicKey, newKey(t).PublicKey)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))

	node.handle("sendTransaction", func(rpcRequest) (int, any) { return http.StatusOK, "sig-2" })
	node.handle("getSignatureStatuses", func(rpcRequest) (int, any) {
		return http.StatusOK, map[string]any{"value": []any{map[string]any{"slot": 5, "err": map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6002}}}, "confirmationStatus": "processed"}}}
	})

	_, err = client.SendAndConfirmTransaction(context.Background(), tx)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "sig-2", txErr.Signature)
}
