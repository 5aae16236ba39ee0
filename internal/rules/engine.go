// Package rules re-checks off-chain the coupon invariants the program
// enforces, so doomed requests fail before a transaction is built.
package rules

import (
	"context"
	"time"

	"github.com/promotarget/promo-bridge/internal/catalog"
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// Records reads the ledger records the rules depend on.
type Records interface {
	FetchCoupon(ctx context.Context, addr chain.PublicKey) (*domain.CouponView, error)
	FetchCampaign(ctx context.Context, addr chain.PublicKey) (*domain.CampaignView, error)
}

// UsedSet reports coupons marked used by this process.
type UsedSet interface {
	IsUsed(coupon chain.PublicKey) bool
}

// Rejection codes. They mirror the program's own error names.
const (
	CodeNotOwner        = "NOT_COUPON_OWNER"
	CodeAlreadyUsed     = "COUPON_ALREADY_USED"
	CodeListed          = "COUPON_LISTED"
	CodeExpired         = "CAMPAIGN_EXPIRED"
	CodeWrongProduct    = "INVALID_PRODUCT_FOR_COUPON"
	CodeWrongCampaign   = "INVALID_COUPON_CAMPAIGN"
	CodeNoCouponsLeft   = "NO_COUPONS_LEFT"
	CodeResalePrice     = "INVALID_RESALE_PRICE"
	CodeNotEligible     = "NOT_ELIGIBLE_FOR_CAMPAIGN"
	CodeInvalidCampaign = "INVALID_CAMPAIGN"
)

// Engine validates coupons against live ledger state.
type Engine struct {
	records Records
	catalog *catalog.Catalog
	used    UsedSet
	now     func() time.Time
}

// NewEngine returns an engine reading through records. cat and used may be nil.
func NewEngine(records Records, cat *catalog.Catalog, used UsedSet) *Engine {
	if cat == nil {
		cat = catalog.Empty()
	}
	return &Engine{records: records, catalog: cat, used: used, now: time.Now}
}

// Catalog is the product catalog the engine checks carts against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// ValidateCouponForOrder checks that coupon can be redeemed by payer for a
// cart. payer and cart are optional. Nothing is written anywhere.
func (e *Engine) ValidateCouponForOrder(ctx context.Context, coupon chain.PublicKey, payer *chain.PublicKey, cart []domain.CartItem) (*domain.NormalizedCoupon, error) {
	cv, err := e.records.FetchCoupon(ctx, coupon)
	if err != nil {
		return nil, err
	}
	if payer != nil && *payer != cv.Owner {
		return nil, domain.Validation(CodeNotOwner, "not your coupon: %s is held by %s", coupon, cv.Owner)
	}
	cv.LocallyUsed = e.IsUsed(coupon)
	if cv.Used || cv.LocallyUsed {
		return nil, domain.Validation(CodeAlreadyUsed, "coupon %s already used", coupon)
	}
	if cv.Listed {
		return nil, domain.Validation(CodeListed, "coupon %s is listed for sale", coupon)
	}

	campaign, err := e.records.FetchCampaign(ctx, cv.Campaign)
	if err != nil {
		return nil, err
	}
	if campaign.Expired(e.now()) {
		return nil, domain.Validation(CodeExpired, "campaign %s expired at %s", campaign.Address,
			time.Unix(campaign.ExpirationTimestamp, 0).UTC().Format(time.RFC3339))
	}

	out := &domain.NormalizedCoupon{Coupon: *cv, Campaign: *campaign}
	if item, ok := e.catalog.ByProductCode(campaign.ProductCode); ok {
		out.CatalogProductID = item.ID
		if len(cart) > 0 && !cartHas(cart, item.ID) {
			return nil, domain.Validation(CodeWrongProduct,
				"coupon applies to product %s, which is not in the cart", item.ID).
				WithDetail("product_id", item.ID)
		}
	}
	return out, nil
}

func cartHas(cart []domain.CartItem, id string) bool {
	for _, it := range cart {
		if it.ID == id {
			return true
		}
	}
	return false
}

// IsUsed reports whether coupon was marked used by this process.
func (e *Engine) IsUsed(coupon chain.PublicKey) bool {
	return e.used != nil && e.used.IsUsed(coupon)
}

// ResaleCap is MaxResaleLamports for c, using the catalog price of the
// campaign's product when it is priced in SOL.
func (e *Engine) ResaleCap(c *domain.CampaignView) uint64 {
	var price *uint64
	if item, ok := e.catalog.ByProductCode(c.ProductCode); ok {
		if p, ok := item.PriceLamports(); ok {
			price = &p
		}
	}
	return MaxResaleLamports(c, price)
}

// CheckResalePrice rejects a zero price or one above the resale cap. The
// error carries the cap.
func (e *Engine) CheckResalePrice(c *domain.CampaignView, priceLamports uint64) error {
	if priceLamports == 0 {
		return domain.Validation(CodeResalePrice, "price must be positive")
	}
	limit := e.ResaleCap(c)
	if priceLamports > limit {
		return domain.Validation(CodeResalePrice,
			"price %d lamports exceeds the resale cap of %d lamports", priceLamports, limit).
			WithDetail("max_resale_lamports", limit)
	}
	return nil
}

// CheckRedemption adds the program's redemption guards that depend on the
// order: the product code sent must be the campaign's and coupons must remain.
func CheckRedemption(n *domain.NormalizedCoupon, productCode uint16) error {
	if productCode != n.Campaign.ProductCode {
		return domain.Validation(CodeWrongProduct,
			"coupon is for product code %d, not %d", n.Campaign.ProductCode, productCode)
	}
	if n.Campaign.UsedCoupons >= n.Campaign.TotalCoupons {
		return domain.Validation(CodeNoCouponsLeft, "campaign %s has no redemptions left", n.Campaign.Address)
	}
	if n.Coupon.Campaign != n.Campaign.Address {
		return domain.Validation(CodeWrongCampaign, "coupon does not belong to campaign %s", n.Campaign.Address)
	}
	return nil
}
