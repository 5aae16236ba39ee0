package campaign

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/promo/promotest"
)

type submissions struct {
	ops []string
}

func (s *submissions) ObserveSubmission(op string, err error) {
	if err == nil {
		s.ops = append(s.ops, op)
	}
}

type fixture struct {
	ledger  *promotest.Ledger
	service *Service
	signer  *chain.Keypair
	seen    *submissions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := promotest.NewLedger(promotest.Schema(t))
	ledger.Simulate()
	signer, err := chain.NewKeypair()
	require.NoError(t, err)
	seen := &submissions{}
	svc := NewService(ledger.Program(), ledger, signer, Settings{MaxResaleBps: 5000, ServiceFeeBps: 500}, seen, nil)
	svc.now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	return &fixture{ledger: ledger, service: svc, signer: signer, seen: seen}
}

func wallet(t *testing.T) chain.PublicKey {
	t.Helper()
	kp, err := chain.NewKeypair()
	require.NoError(t, err)
	return kp.PublicKey
}

func validParams() promo.CampaignParams {
	return promo.CampaignParams{
		CampaignID:          42,
		DiscountBps:         2000,
		ResaleBps:           4000,
		ExpirationTimestamp: 1_900_000_000,
		TotalCoupons:        2,
		MintCostLamports:    1_000,
		MaxDiscountLamports: 20_000_000,
		ProductCode:         12,
		Name:                "Launch",
		DepositLamports:     1_000_000,
	}
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var de *domain.Error
	require.True(t, errors.As(err, &de), "want *domain.Error, got %v", err)
	return de.Code
}

func TestCreateBootstrapsConfigAndMintsFirstCoupon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	holder := wallet(t)

	res, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams(), MintTo: &holder})
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize_config", "create_campaign", "mint_coupon"}, f.seen.ops)
	assert.Len(t, res.Steps, 3)
	require.NotNil(t, res.Coupon)
	assert.Equal(t, uint64(0), res.Coupon.Index)

	campaign, err := f.ledger.Program().FetchCampaign(ctx, res.Campaign)
	require.NoError(t, err)
	assert.Equal(t, f.signer.PublicKey, campaign.Merchant)
	assert.Equal(t, uint32(1), campaign.MintedCoupons)
	assert.Equal(t, uint16(500), campaign.ServiceFeeBps)

	coupon, err := f.ledger.Program().FetchCoupon(ctx, res.Coupon.Coupon)
	require.NoError(t, err)
	assert.Equal(t, holder, coupon.Owner)

	for _, tx := range f.ledger.Sent() {
		assert.True(t, tx.IsFullySigned())
		assert.NoError(t, tx.VerifySignatures())
		assert.Equal(t, promotest.Blockhash, tx.Message.RecentBlockhash)
	}
}

func TestCreateValidatesBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *promo.CampaignParams)
		code   string
	}{
		{"discount bps", func(p *promo.CampaignParams) { p.DiscountBps = 10_001 }, "INVALID_BPS"},
		{"zero coupons", func(p *promo.CampaignParams) { p.TotalCoupons = 0 }, "INVALID_TOTAL_COUPONS"},
		{"zero mint cost", func(p *promo.CampaignParams) { p.MintCostLamports = 0 }, "INVALID_MINT_COST"},
		{"zero max discount", func(p *promo.CampaignParams) { p.MaxDiscountLamports = 0 }, "INVALID_MAX_DISCOUNT"},
		{"zero deposit", func(p *promo.CampaignParams) { p.DepositLamports = 0 }, "INVALID_DEPOSIT_AMOUNT"},
		{"long name", func(p *promo.CampaignParams) { p.Name = strings.Repeat("x", 65) }, "NAME_TOO_LONG"},
		{"target missing", func(p *promo.CampaignParams) { p.RequiresWallet = true }, "TARGET_WALLET_REQUIRED"},
		{"already expired", func(p *promo.CampaignParams) { p.ExpirationTimestamp = 1_700_000_000 }, "CAMPAIGN_EXPIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := validParams()
			tt.mutate(&p)
			_, err := f.service.Create(context.Background(), CreateRequest{CampaignParams: p})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			assert.Equal(t, tt.code, codeOf(t, err))
			assert.Zero(t, f.ledger.Calls("sendTransaction"))
		})
	}
}

func TestCreateRejectsResaleAboveProtocolMaximum(t *testing.T) {
	f := newFixture(t)
	f.ledger.PutConfig(t, domain.GlobalConfig{Admin: f.signer.PublicKey, MaxResaleBps: 3000, ServiceFeeBps: 100})

	_, err := f.service.Create(context.Background(), CreateRequest{CampaignParams: validParams()})
	require.Error(t, err)
	assert.Equal(t, "INVALID_BPS", codeOf(t, err))
	assert.Contains(t, err.Error(), "exceeds the protocol maximum of 3000")
	assert.Zero(t, f.ledger.Calls("sendTransaction"))
}

func TestCreateChecksResaleBeforeInitializingConfig(t *testing.T) {
	f := newFixture(t)
	p := validParams()
	p.ResaleBps = 6000

	_, err := f.service.Create(context.Background(), CreateRequest{CampaignParams: p})
	require.Error(t, err)
	assert.Equal(t, "INVALID_BPS", codeOf(t, err))
	assert.Contains(t, err.Error(), "exceeds the protocol maximum of 5000")
	assert.Zero(t, f.ledger.Calls("sendTransaction"))
	assert.Empty(t, f.seen.ops)
}

func TestFailedCreateReportsInitializedConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	simulate := f.ledger.OnSend
	sends := 0
	f.ledger.OnSend = func(tx *chain.Transaction) error {
		sends++
		if sends == 2 {
			return &chain.TransactionError{Signature: "bad", Err: `{"InstructionError":[0,{"Custom":6006}]}`}
		}
		return simulate(tx)
	}

	_, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "PARTIAL_SUCCESS", de.Code)
	assert.Equal(t, "create_campaign", de.Details["failed_step"])
	steps, ok := de.Details["steps"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, steps, "initialize_config")
	assert.NotContains(t, steps, "create_campaign")
	assert.True(t, errors.Is(err, domain.ErrLedger), "cause class is kept")
	assert.Equal(t, []string{"initialize_config"}, f.seen.ops)

	// Resuming does not write the config again.
	f.ledger.OnSend = simulate
	res, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.NoError(t, err)
	assert.NotContains(t, res.Steps, "initialize_config")
	assert.Equal(t, []string{"initialize_config", "create_campaign"}, f.seen.ops)
}

func TestCreateTwiceIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.NoError(t, err)

	_, err = f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestPartialSuccessReportsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := validParams()
	p.RequiresWallet = true
	p.TargetWallet = wallet(t)
	someoneElse := wallet(t)

	_, err := f.service.Create(ctx, CreateRequest{CampaignParams: p, MintTo: &someoneElse})
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "PARTIAL_SUCCESS", de.Code)
	steps, ok := de.Details["steps"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, steps, "create_campaign")
	assert.Equal(t, "mint_coupon", de.Details["failed_step"])
	assert.True(t, errors.Is(err, domain.ErrValidation), "cause class is kept")
}

func TestMintEnforcesUniquenessAndSupply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.NoError(t, err)
	alice, bob, carol := wallet(t), wallet(t), wallet(t)

	first, err := f.service.Mint(ctx, MintRequest{Campaign: res.Campaign, Recipient: alice})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Index)

	_, err = f.service.Mint(ctx, MintRequest{Campaign: res.Campaign, Recipient: alice})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, "COUPON_ALREADY_HELD", codeOf(t, err))

	second, err := f.service.Mint(ctx, MintRequest{Campaign: res.Campaign, Recipient: bob})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Index)
	assert.NotEqual(t, first.Coupon, second.Coupon)

	_, err = f.service.Mint(ctx, MintRequest{Campaign: res.Campaign, Recipient: carol})
	require.Error(t, err)
	assert.Equal(t, "NO_COUPONS_LEFT", codeOf(t, err))
}

func TestMintRejectsForeignCampaign(t *testing.T) {
	f := newFixture(t)
	foreign := f.ledger.PutCampaign(t, domain.CampaignView{Merchant: wallet(t), CampaignID: 1, TotalCoupons: 5})

	_, err := f.service.Mint(context.Background(), MintRequest{Campaign: foreign.Address, Recipient: wallet(t)})
	require.Error(t, err)
	assert.Equal(t, "NOT_MERCHANT", codeOf(t, err))
}

func TestWritesNeedSigner(t *testing.T) {
	ledger := promotest.NewLedger(promotest.Schema(t))
	svc := NewService(ledger.Program(), ledger, nil, Settings{}, nil, nil)

	_, err := svc.Create(context.Background(), CreateRequest{CampaignParams: validParams()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestOnChainFailureIsExplained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.service.Create(ctx, CreateRequest{CampaignParams: validParams()})
	require.NoError(t, err)

	f.ledger.OnSend = func(*chain.Transaction) error {
		return &chain.TransactionError{Signature: "bad", Err: `{"InstructionError":[0,{"Custom":6006}]}`}
	}
	_, err = f.service.Mint(ctx, MintRequest{Campaign: res.Campaign, Recipient: wallet(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedger))
	assert.Equal(t, "InsufficientVaultBalance", codeOf(t, err))
}
