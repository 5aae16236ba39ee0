package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/promo/promotest"
	"github.com/promotarget/promo-bridge/internal/rules"
	"github.com/promotarget/promo-bridge/internal/usage"
)

type fixture struct {
	ledger   *promotest.Ledger
	book     *Service
	campaign *domain.CampaignView
	coupon   *domain.CouponView
	seller   chain.PublicKey
	used     *usage.Set
}

func newWallet(t *testing.T) chain.PublicKey {
	t.Helper()
	kp, err := chain.NewKeypair()
	require.NoError(t, err)
	return kp.PublicKey
}

// newFixture stores a campaign whose resale cap is 10_000_000 lamports
// (20_000_000 max discount at 50% resale) and one coupon held by the seller.
func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	ledger := promotest.NewLedger(promotest.Schema(t))
	program := ledger.Program()
	seller := newWallet(t)
	campaign := ledger.PutCampaign(t, domain.CampaignView{
		Merchant:            newWallet(t),
		CampaignID:          5,
		DiscountBps:         2000,
		ResaleBps:           5000,
		TotalCoupons:        10,
		MintedCoupons:       2,
		MaxDiscountLamports: 20_000_000,
		ProductCode:         1,
	})
	coupon := ledger.PutCoupon(t, domain.CouponView{Campaign: campaign.Address, CouponIndex: 0, Owner: seller})
	used := usage.NewSet()
	book := NewService(program, rules.NewEngine(program, nil, used), capacity, nil, nil)
	return &fixture{ledger: ledger, book: book, campaign: campaign, coupon: coupon, seller: seller, used: used}
}

func (f *fixture) request(price string) ListRequest {
	return ListRequest{
		CampaignAddress: f.campaign.Address,
		CouponAddress:   f.coupon.Address,
		SellerWallet:    f.seller,
		Price:           decimal.RequireFromString(price),
		Currency:        "sol",
	}
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var de *domain.Error
	require.True(t, errors.As(err, &de), "want *domain.Error, got %v", err)
	return de.Code
}

func TestResaleCapBoundary(t *testing.T) {
	ctx := context.Background()

	over := newFixture(t, 0)
	_, err := over.book.List(ctx, over.request("0.010000001"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), "resale cap of 10000000 lamports")
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, uint64(10_000_000), de.Details["max_resale_lamports"])

	at := newFixture(t, 0)
	listing, err := at.book.List(ctx, at.request("0.01"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), listing.PriceLamports)
	assert.Equal(t, uint64(10_000_000), listing.MaxResale)
	assert.Equal(t, "SOL", listing.Currency)
	assert.Equal(t, domain.ListingActive, listing.Status)
	assert.NotEmpty(t, listing.ID)
}

func TestSecondActiveListingIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	first, err := f.book.List(ctx, f.request("0.005"))
	require.NoError(t, err)

	_, err = f.book.List(ctx, f.request("0.006"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Contains(t, err.Error(), "already has an active listing")
	assert.Len(t, f.book.Listings(Filter{}), 1)

	_, err = f.book.Buy(ctx, first.ID, newWallet(t))
	require.NoError(t, err)
	_, err = f.book.List(ctx, f.request("0.006"))
	assert.NoError(t, err, "a sold listing frees the coupon")
}

func TestListRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, r *ListRequest)
		code   string
	}{
		{"zero price", func(_ *fixture, r *ListRequest) { r.Price = decimal.Zero }, rules.CodeResalePrice},
		{"negative price", func(_ *fixture, r *ListRequest) { r.Price = decimal.NewFromInt(-1) }, rules.CodeResalePrice},
		{"currency", func(_ *fixture, r *ListRequest) { r.Currency = "USD" }, "UNSUPPORTED_CURRENCY"},
		{"not owner", func(f *fixture, r *ListRequest) { r.SellerWallet = newWallet(t) }, rules.CodeNotOwner},
		{"wrong campaign", func(f *fixture, r *ListRequest) { r.CampaignAddress = newWallet(t) }, rules.CodeWrongCampaign},
		{"used coupon", func(f *fixture, _ *ListRequest) {
			used := *f.coupon
			used.Used = true
			f.ledger.PutCoupon(t, used)
		}, rules.CodeAlreadyUsed},
		{"marked used locally", func(f *fixture, _ *ListRequest) {
			f.used.MarkUsed(f.coupon.Address, nil)
		}, rules.CodeAlreadyUsed},
		{"listed on the ledger", func(f *fixture, _ *ListRequest) {
			listed := *f.coupon
			listed.Listed = true
			listed.SalePriceLamports = 1_000_000
			f.ledger.PutCoupon(t, listed)
		}, rules.CodeListed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			req := f.request("0.001")
			tt.mutate(f, &req)
			_, err := f.book.List(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			assert.Equal(t, tt.code, codeOf(t, err))
			assert.Empty(t, f.book.Listings(Filter{}))
		})
	}
}

func TestBuy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	listing, err := f.book.List(ctx, f.request("0.002"))
	require.NoError(t, err)

	_, err = f.book.Buy(ctx, listing.ID, f.seller)
	require.Error(t, err)
	assert.Equal(t, "SELF_PURCHASE", codeOf(t, err))

	buyer := newWallet(t)
	purchase, err := f.book.Buy(ctx, listing.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, SettlementNotPerformed, purchase.Settlement)
	assert.Equal(t, domain.ListingSold, purchase.Listing.Status)
	require.NotNil(t, purchase.Listing.BuyerWallet)
	assert.Equal(t, buyer, *purchase.Listing.BuyerWallet)
	assert.NotNil(t, purchase.Listing.SoldAt)

	_, err = f.book.Buy(ctx, listing.ID, newWallet(t))
	require.Error(t, err)
	assert.Equal(t, "LISTING_NOT_ACTIVE", codeOf(t, err))

	_, err = f.book.Buy(ctx, "missing", buyer)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.Zero(t, f.ledger.Calls("sendTransaction"))
}

func TestListingsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.book.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	first, err := f.book.List(ctx, f.request("0.001"))
	require.NoError(t, err)
	other := f.ledger.PutCoupon(t, domain.CouponView{Campaign: f.campaign.Address, CouponIndex: 1, Owner: f.seller})
	req := f.request("0.002")
	req.CouponAddress = other.Address
	second, err := f.book.List(ctx, req)
	require.NoError(t, err)
	_, err = f.book.Buy(ctx, first.ID, newWallet(t))
	require.NoError(t, err)

	all := f.book.Listings(Filter{Seller: &f.seller})
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	active := f.book.Listings(Filter{Status: domain.ListingActive})
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	stranger := newWallet(t)
	assert.Empty(t, f.book.Listings(Filter{Seller: &stranger}))
}

func TestOrderBookCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.book.List(ctx, f.request("0.001"))
	require.NoError(t, err)

	other := f.ledger.PutCoupon(t, domain.CouponView{Campaign: f.campaign.Address, CouponIndex: 1, Owner: f.seller})
	req := f.request("0.001")
	req.CouponAddress = other.Address
	_, err = f.book.List(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCapacity))

	_, err = f.book.List(ctx, f.request("0.001"))
	assert.True(t, errors.Is(err, domain.ErrConflict), "the first coupon's slot is untouched")
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("SOLD")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, st)
	_, err = ParseStatus("cancelled")
	assert.Error(t, err)
}
