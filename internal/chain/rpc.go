package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// Commitment levels understood by the node.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// ClientConfig configures the ledger RPC client.
type ClientConfig struct {
	Endpoint       string
	Commitment     string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client is a JSON-RPC client for the ledger node. Every method runs through
// the Retrier, so there is no unwrapped path to the endpoint.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	retrier *Retrier
	logger  *zap.Logger
	nextID  atomic.Int64
}

// NewClient builds a Client. The dial timeout is set on the transport so a
// connect timeout can be told apart from a slow response.
func NewClient(cfg ClientConfig, retrier *Retrier, logger *zap.Logger) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		retrier: retrier,
		logger:  logger,
	}
}

// Commitment returns the commitment level used for reads.
func (c *Client) Commitment() string { return c.cfg.Commitment }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs a single JSON-RPC round trip.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// classifyTransportError tags dial timeouts as ErrConnectTimeout. Timeouts
// after the connection is up are not retried since the request may have
// reached the node.
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

// invoke runs call under the retry policy, labelled by method.
func (c *Client) invoke(ctx context.Context, method string, params []any, out any) error {
	_, err := Call(ctx, c.retrier, method, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.call(ctx, method, params, out)
	})
	return err
}

// AccountInfo is the decoded state of one ledger account.
type AccountInfo struct {
	Lamports   uint64
	Owner      PublicKey
	Data       []byte
	Executable bool
}

type rawAccount struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
}

func (r *rawAccount) decode() (*AccountInfo, error) {
	owner, err := ParsePublicKey(r.Owner)
	if err != nil {
		return nil, fmt.Errorf("account owner: %w", err)
	}
	info := &AccountInfo{Lamports: r.Lamports, Owner: owner, Executable: r.Executable}
	if len(r.Data) > 0 {
		if len(r.Data) > 1 && r.Data[1] != "base64" {
			return nil, fmt.Errorf("unexpected account data encoding %q", r.Data[1])
		}
		info.Data, err = base64.StdEncoding.DecodeString(r.Data[0])
		if err != nil {
			return nil, fmt.Errorf("account data: %w", err)
		}
	}
	return info, nil
}

func (c *Client) accountOpts() map[string]any {
	return map[string]any{"encoding": "base64", "commitment": c.cfg.Commitment}
}

// GetAccountInfo fetches one account. A missing account is ErrAccountNotFound.
func (c *Client) GetAccountInfo(ctx context.Context, address PublicKey) (*AccountInfo, error) {
	var result struct {
		Value *rawAccount `json:"value"`
	}
	if err := c.invoke(ctx, "getAccountInfo", []any{address.String(), c.accountOpts()}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return result.Value.decode()
}

// GetMultipleAccounts fetches several accounts in one round trip. Missing
// accounts come back as nil entries at their position.
func (c *Client) GetMultipleAccounts(ctx context.Context, addresses []PublicKey) ([]*AccountInfo, error) {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = a.String()
	}
	var result struct {
		Value []*rawAccount `json:"value"`
	}
	if err := c.invoke(ctx, "getMultipleAccounts", []any{keys, c.accountOpts()}, &result); err != nil {
		return nil, err
	}
	out := make([]*AccountInfo, len(result.Value))
	for i, raw := range result.Value {
		if raw == nil {
			continue
		}
		info, err := raw.decode()
		if err != nil {
			return nil, err
		}
		out[i] = info
	}
	return out, nil
}

// Filter narrows a program account scan. Set exactly one of the fields.
type Filter struct {
	Memcmp   *Memcmp
	DataSize *uint64
}

// Memcmp matches raw bytes at an offset of the account data.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// MemcmpFilter matches b at offset.
func MemcmpFilter(offset uint64, b []byte) Filter {
	return Filter{Memcmp: &Memcmp{Offset: offset, Bytes: b}}
}

// DataSizeFilter matches accounts whose data is exactly n bytes.
func DataSizeFilter(n uint64) Filter {
	return Filter{DataSize: &n}
}

func (f Filter) MarshalJSON() ([]byte, error) {
	switch {
	case f.Memcmp != nil:
		return json.Marshal(map[string]any{"memcmp": map[string]any{
			"offset": f.Memcmp.Offset,
			"bytes":  base58.Encode(f.Memcmp.Bytes),
		}})
	case f.DataSize != nil:
		return json.Marshal(map[string]any{"dataSize": *f.DataSize})
	default:
		return nil, errors.New("empty account filter")
	}
}

// KeyedAccount is a program account with its address.
type KeyedAccount struct {
	PublicKey PublicKey
	Account   *AccountInfo
}

// GetProgramAccounts lists the accounts owned by programID that match every filter.
func (c *Client) GetProgramAccounts(ctx context.Context, programID PublicKey, filters ...Filter) ([]KeyedAccount, error) {
	opts := c.accountOpts()
	if len(filters) > 0 {
		opts["filters"] = filters
	}
	var result []struct {
		Pubkey  string     `json:"pubkey"`
		Account rawAccount `json:"account"`
	}
	if err := c.invoke(ctx, "getProgramAccounts", []any{programID.String(), opts}, &result); err != nil {
		return nil, err
	}
	out := make([]KeyedAccount, 0, len(result))
	for _, r := range result {
		pk, err := ParsePublicKey(r.Pubkey)
		if err != nil {
			return nil, err
		}
		info, err := r.Account.decode()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", r.Pubkey, err)
		}
		out = append(out, KeyedAccount{PublicKey: pk, Account: info})
	}
	return out, nil
}

// GetBalance returns the lamports held by address.
func (c *Client) GetBalance(ctx context.Context, address PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{address.String(), map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.invoke(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// Blockhash is a recent blockhash and the last block height it is valid for.
type Blockhash struct {
	Hash                 Hash
	LastValidBlockHeight uint64
}

// GetLatestBlockhash fetches a fresh blockhash. Callers fetch it right before
// assembling a transaction and never cache it.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.invoke(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}
	h, err := ParsePublicKey(result.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("blockhash: %w", err)
	}
	return &Blockhash{Hash: h, LastValidBlockHeight: result.Value.LastValidBlockHeight}, nil
}

// SendTransaction submits a signed transaction and returns its signature.
// It is retried only on the transient classes, where the node never accepted
// the request.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	encoded, err := tx.SerializeBase64()
	if err != nil {
		return "", err
	}
	var sig string
	params := []any{encoded, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.cfg.Commitment,
	}}
	if err := c.invoke(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus is the node's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reached reports whether the status is at least the given commitment.
func (s *SignatureStatus) Reached(commitment string) bool {
	rank := map[string]int{CommitmentProcessed: 1, CommitmentConfirmed: 2, CommitmentFinalized: 3}
	return rank[s.ConfirmationStatus] >= rank[commitment]
}

// GetSignatureStatuses looks up several signatures; unknown ones are nil.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{signatures, map[string]any{"searchTransactionHistory": true}}
	if err := c.invoke(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// SendAndConfirmTransaction submits tx once and waits until the node reports
// it at the configured commitment, it fails on chain, or the confirm timeout
// elapses.
func (c *Client) SendAndConfirmTransaction(ctx context.Context, tx *Transaction) (string, error) {
	sig, err := c.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		statuses, err := c.GetSignatureStatuses(ctx, sig)
		if err != nil && ctx.Err() == nil {
			return sig, err
		}
		if len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Failed() {
				return sig, &TransactionError{Signature: sig, Err: string(st.Err)}
			}
			if st.Reached(c.cfg.Commitment) {
				c.logger.Debug("transaction confirmed", zap.String("signature", sig), zap.Uint64("slot", st.Slot))
				return sig, nil
			}
		}
		select {
		case <-ctx.Done():
			return sig, fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}

// SignatureInfo is one entry of an address's transaction history.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	BlockTime          *int64          `json:"blockTime"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// GetSignaturesForAddress lists confirmed transactions that mention address,
// newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address PublicKey, limit int) ([]SignatureInfo, error) {
	opts := map[string]any{"commitment": CommitmentConfirmed}
	if limit > 0 {
		opts["limit"] = limit
	}
	var result []SignatureInfo
	if err := c.invoke(ctx, "getSignaturesForAddress", []any{address.String(), opts}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FindReference returns the oldest successful confirmed transaction whose
// account list includes reference, or ErrReferenceNotFound.
func (c *Client) FindReference(ctx context.Context, reference PublicKey) (*SignatureInfo, error) {
	sigs, err := c.GetSignaturesForAddress(ctx, reference, 1000)
	if err != nil {
		return nil, err
	}
	for i := len(sigs) - 1; i >= 0; i-- {
		s := sigs[i]
		if len(s.Err) > 0 && string(s.Err) != "null" {
			continue
		}
		return &s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, reference)
}

// RequestAirdrop asks a development cluster to fund address.
func (c *Client) RequestAirdrop(ctx context.Context, address PublicKey, lamports uint64) (string, error) {
	var sig string
	params := []any{address.String(), lamports, map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.invoke(ctx, "requestAirdrop", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}
