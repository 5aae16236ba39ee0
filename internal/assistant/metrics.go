package assistant

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// MerchantMetrics summarizes a merchant's campaigns for the prompt.
func MerchantMetrics(campaigns []*domain.CampaignView, now time.Time) map[string]any {
	var (
		active, minted, used, total uint64
		purchase, discount          uint64
		bpsSum                      uint64
	)
	for _, c := range campaigns {
		if !c.Expired(now) && c.CouponsLeft() > 0 {
			active++
		}
		total += uint64(c.TotalCoupons)
		minted += uint64(c.MintedCoupons)
		used += uint64(c.UsedCoupons)
		purchase += c.TotalPurchaseAmount
		discount += c.TotalDiscountLamports
		bpsSum += uint64(c.DiscountBps)
	}

	out := map[string]any{
		"campaigns":            len(campaigns),
		"active_campaigns":     active,
		"total_coupons":        total,
		"minted_coupons":       minted,
		"used_coupons":         used,
		"total_purchase_sol":   domain.LamportsToSOL(purchase).String(),
		"total_discount_sol":   domain.LamportsToSOL(discount).String(),
		"redemption_rate":      ratio(used, minted),
		"average_discount_bps": 0,
	}
	if len(campaigns) > 0 {
		out["average_discount_bps"] = bpsSum / uint64(len(campaigns))
	}
	return out
}

func ratio(num, den uint64) string {
	if den == 0 {
		return "0"
	}
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den))).StringFixed(4)
}
