package rules

import (
	"math"
	"math/bits"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// applyBps is floor(amount*bps/10000) with a 128-bit intermediate. Results
// past uint64 saturate.
func applyBps(amount uint64, bps uint16) uint64 {
	hi, lo := bits.Mul64(amount, uint64(bps))
	if hi >= domain.BpsDenominator {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, domain.BpsDenominator)
	return q
}

// QuoteDiscount is the discount and service fee the program computes when
// the coupon is redeemed against purchaseLamports.
func QuoteDiscount(c *domain.CampaignView, purchaseLamports uint64) domain.DiscountQuote {
	discount := min(applyBps(purchaseLamports, c.DiscountBps), c.MaxDiscountLamports)
	return domain.DiscountQuote{
		PurchaseLamports:   purchaseLamports,
		DiscountLamports:   discount,
		ServiceFeeLamports: applyBps(discount, c.ServiceFeeBps),
		ChargeLamports:     purchaseLamports - discount,
	}
}

// MaxResaleLamports is the highest secondary-market price for a coupon of c.
// With a known catalog price the discount is what the coupon is worth on
// that product; otherwise it is the campaign's discount ceiling.
func MaxResaleLamports(c *domain.CampaignView, catalogPriceLamports *uint64) uint64 {
	effective := c.MaxDiscountLamports
	if catalogPriceLamports != nil {
		effective = min(effective, applyBps(*catalogPriceLamports, c.DiscountBps))
	}
	return applyBps(effective, c.ResaleBps)
}
