// Package promotest provides an in-memory ledger and record fixtures for
// tests of packages built on the promo program binding.
package promotest

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/schema"
)

// ProgramID is the program id declared by the bundled IDL.
var ProgramID = chain.MustPublicKey("41eti7CsZBWD1QYdor2RnxmqzsaNGpRQCkJQZqX2JEKr")

// Blockhash is what the fake ledger hands out as the latest blockhash.
var Blockhash = chain.MustPublicKey("EETubP5AKHgjPAhzPAFcb8BAY1hMH639CWCFTqi3hq1k")

// Schema loads the IDL shipped in the repository's idl directory.
func Schema(t testing.TB) *schema.Schema {
	t.Helper()
	_, file, _, _ := runtime.Caller(0)
	s, err := schema.Load(filepath.Join(filepath.Dir(file), "..", "..", "..", "idl", "promo_targeting.json"))
	require.NoError(t, err)
	return s
}

// Ledger is a concurrency-safe fake of the RPC client.
type Ledger struct {
	mu         sync.Mutex
	schema     *schema.Schema
	accounts   map[chain.PublicKey]*chain.AccountInfo
	references map[chain.PublicKey]*chain.SignatureInfo
	calls      map[string]int
	sent       []*chain.Transaction

	// ReadErr, when set, fails every read.
	ReadErr error
	// FindErr, when set, fails reference lookups.
	FindErr error
	// OnSend runs for every submitted transaction; its error fails the submission.
	OnSend func(tx *chain.Transaction) error
}

// NewLedger returns an empty ledger that encodes records with s.
func NewLedger(s *schema.Schema) *Ledger {
	return &Ledger{
		schema:     s,
		accounts:   make(map[chain.PublicKey]*chain.AccountInfo),
		references: make(map[chain.PublicKey]*chain.SignatureInfo),
		calls:      make(map[string]int),
	}
}

// Program binds a promo program to this ledger.
func (l *Ledger) Program() *promo.Program {
	return promo.NewProgram(schema.StaticProvider(l.schema), l, ProgramID, nil)
}

func (l *Ledger) count(method string) {
	l.calls[method]++
}

// Calls reports how often method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Sent returns the submitted transactions.
func (l *Ledger) Sent() []*chain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*chain.Transaction(nil), l.sent...)
}

// Put stores raw account data owned by the program.
func (l *Ledger) Put(addr chain.PublicKey, data []byte, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = &chain.AccountInfo{Lamports: lamports, Owner: ProgramID, Data: data}
}

// PutRecord encodes fields as the record type matched by fragment.
func (l *Ledger) PutRecord(t testing.TB, addr chain.PublicKey, fragment string, fields map[string]any) {
	t.Helper()
	rec, ok := l.schema.ResolveRecord(fragment)
	require.True(t, ok, "record %s", fragment)
	data, err := l.schema.EncodeRecord(rec, fields)
	require.NoError(t, err)
	l.Put(addr, data, 1_000_000)
}

// PutConfig stores the global config record.
func (l *Ledger) PutConfig(t testing.TB, cfg domain.GlobalConfig) chain.PublicKey {
	t.Helper()
	addr, err := promo.NewAddresses(ProgramID).Config()
	require.NoError(t, err)
	l.PutRecord(t, addr, "global config", map[string]any{
		"admin":           cfg.Admin,
		"max_resale_bps":  cfg.MaxResaleBps,
		"service_fee_bps": cfg.ServiceFeeBps,
	})
	return addr
}

// PutCampaign stores c at the address derived from its merchant and id and
// returns the stored view.
func (l *Ledger) PutCampaign(t testing.TB, c domain.CampaignView) *domain.CampaignView {
	t.Helper()
	addr, err := promo.NewAddresses(ProgramID).Campaign(c.Merchant, c.CampaignID)
	require.NoError(t, err)
	c.Address = addr
	l.PutRecord(t, addr, "campaign", map[string]any{
		"merchant":                c.Merchant,
		"campaign_id":             c.CampaignID,
		"discount_bps":            c.DiscountBps,
		"service_fee_bps":         c.ServiceFeeBps,
		"resale_bps":              c.ResaleBps,
		"expiration_timestamp":    c.ExpirationTimestamp,
		"total_coupons":           c.TotalCoupons,
		"used_coupons":            c.UsedCoupons,
		"minted_coupons":          c.MintedCoupons,
		"mint_cost_lamports":      c.MintCostLamports,
		"max_discount_lamports":   c.MaxDiscountLamports,
		"category_code":           c.CategoryCode,
		"product_code":            c.ProductCode,
		"campaign_name":           c.Name,
		"requires_wallet":         c.RequiresWallet,
		"target_wallet":           c.TargetWallet,
		"total_purchase_amount":   c.TotalPurchaseAmount,
		"total_discount_lamports": c.TotalDiscountLamports,
		"last_redeem_timestamp":   c.LastRedeemTimestamp,
	})
	return &c
}

// PutCoupon stores c at the address derived from its campaign and index and
// returns the stored view.
func (l *Ledger) PutCoupon(t testing.TB, c domain.CouponView) *domain.CouponView {
	t.Helper()
	addr, err := promo.NewAddresses(ProgramID).Coupon(c.Campaign, c.CouponIndex)
	require.NoError(t, err)
	c.Address = addr
	l.PutRecord(t, addr, "coupon", map[string]any{
		"campaign":            c.Campaign,
		"coupon_index":        c.CouponIndex,
		"owner":               c.Owner,
		"used":                c.Used,
		"listed":              c.Listed,
		"sale_price_lamports": c.SalePriceLamports,
	})
	return &c
}

// Confirm makes reference discoverable as mentioned by signature.
func (l *Ledger) Confirm(reference chain.PublicKey, signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.references[reference] = &chain.SignatureInfo{Signature: signature, Slot: 42, ConfirmationStatus: "confirmed"}
}

func (l *Ledger) GetAccountInfo(_ context.Context, address chain.PublicKey) (*chain.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("getAccountInfo")
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	info, ok := l.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrAccountNotFound, address)
	}
	cp := *info
	return &cp, nil
}

func (l *Ledger) GetProgramAccounts(_ context.Context, programID chain.PublicKey, filters ...chain.Filter) ([]chain.KeyedAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("getProgramAccounts")
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	var out []chain.KeyedAccount
	for addr, info := range l.accounts {
		if info.Owner != programID || !matchesAll(info.Data, filters) {
			continue
		}
		cp := *info
		out = append(out, chain.KeyedAccount{PublicKey: addr, Account: &cp})
	}
	return out, nil
}

func matchesAll(data []byte, filters []chain.Filter) bool {
	for _, f := range filters {
		switch {
		case f.Memcmp != nil:
			end := int(f.Memcmp.Offset) + len(f.Memcmp.Bytes)
			if end > len(data) || !bytes.Equal(data[f.Memcmp.Offset:end], f.Memcmp.Bytes) {
				return false
			}
		case f.DataSize != nil:
			if uint64(len(data)) != *f.DataSize {
				return false
			}
		}
	}
	return true
}

func (l *Ledger) GetBalance(_ context.Context, address chain.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("getBalance")
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	if info, ok := l.accounts[address]; ok {
		return info.Lamports, nil
	}
	return 0, nil
}

func (l *Ledger) GetLatestBlockhash(context.Context) (*chain.Blockhash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("getLatestBlockhash")
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	return &chain.Blockhash{Hash: Blockhash, LastValidBlockHeight: 1000}, nil
}

func (l *Ledger) SendAndConfirmTransaction(_ context.Context, tx *chain.Transaction) (string, error) {
	l.mu.Lock()
	l.count("sendTransaction")
	hook := l.OnSend
	l.mu.Unlock()

	if hook != nil {
		if err := hook(tx); err != nil {
			return "", err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, tx)
	return fmt.Sprintf("sig-%d", len(l.sent)), nil
}

func (l *Ledger) FindReference(_ context.Context, reference chain.PublicKey) (*chain.SignatureInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("getSignaturesForAddress")
	if l.FindErr != nil {
		return nil, l.FindErr
	}
	info, ok := l.references[reference]
	if !ok {
		return nil, chain.ErrReferenceNotFound
	}
	cp := *info
	return &cp, nil
}

func (l *Ledger) RequestAirdrop(_ context.Context, address chain.PublicKey, lamports uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count("requestAirdrop")
	info, ok := l.accounts[address]
	if !ok {
		info = &chain.AccountInfo{Owner: chain.SystemProgramID}
		l.accounts[address] = info
	}
	info.Lamports += lamports
	return "airdrop-sig", nil
}
