package promo

import (
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/schema"
)

// The record views below read fields through Values.First so a renamed
// field in a newer IDL still resolves under its old or new spelling.

func configView(addr chain.PublicKey, v *schema.Values) *domain.GlobalConfig {
	return &domain.GlobalConfig{
		Address:       addr,
		Admin:         v.PublicKey("admin", "authority"),
		MaxResaleBps:  uint16(v.Uint64(0, "max_resale_bps")),
		ServiceFeeBps: uint16(v.Uint64(0, "service_fee_bps", "fee_bps")),
	}
}

func campaignView(addr chain.PublicKey, v *schema.Values) *domain.CampaignView {
	return &domain.CampaignView{
		Address:               addr,
		Merchant:              v.PublicKey("merchant", "authority"),
		CampaignID:            v.Uint64(0, "campaign_id", "id"),
		DiscountBps:           uint16(v.Uint64(0, "discount_bps")),
		ServiceFeeBps:         uint16(v.Uint64(0, "service_fee_bps")),
		ResaleBps:             uint16(v.Uint64(0, "resale_bps")),
		ExpirationTimestamp:   v.Int64(0, "expiration_timestamp", "expiration_ts", "expires_at"),
		TotalCoupons:          uint32(v.Uint64(0, "total_coupons")),
		UsedCoupons:           uint32(v.Uint64(0, "used_coupons")),
		MintedCoupons:         uint32(v.Uint64(0, "minted_coupons")),
		MintCostLamports:      v.Uint64(0, "mint_cost_lamports"),
		MaxDiscountLamports:   v.Uint64(0, "max_discount_lamports"),
		CategoryCode:          uint16(v.Uint64(0, "category_code")),
		ProductCode:           uint16(v.Uint64(0, "product_code")),
		Name:                  v.String("", "campaign_name", "name"),
		RequiresWallet:        v.Bool(false, "requires_wallet"),
		TargetWallet:          v.PublicKey("target_wallet"),
		TotalPurchaseAmount:   v.Uint64(0, "total_purchase_amount"),
		TotalDiscountLamports: v.Uint64(0, "total_discount_lamports"),
		LastRedeemTimestamp:   v.Int64(0, "last_redeem_timestamp"),
	}
}

func vaultView(addr chain.PublicKey, v *schema.Values, lamports uint64) *domain.VaultView {
	return &domain.VaultView{
		Address:           addr,
		Campaign:          v.PublicKey("campaign"),
		Merchant:          v.PublicKey("merchant"),
		Bump:              uint8(v.Uint64(0, "bump")),
		TotalDeposit:      v.Uint64(0, "total_deposit"),
		TotalMintSpent:    v.Uint64(0, "total_mint_spent"),
		TotalServiceSpent: v.Uint64(0, "total_service_spent"),
		Lamports:          lamports,
	}
}

func couponView(addr chain.PublicKey, v *schema.Values) *domain.CouponView {
	return &domain.CouponView{
		Address:           addr,
		Campaign:          v.PublicKey("campaign"),
		CouponIndex:       v.Uint64(0, "coupon_index", "index"),
		Owner:             v.PublicKey("owner", "holder"),
		Used:              v.Bool(false, "used", "is_used"),
		Listed:            v.Bool(false, "listed", "is_listed"),
		SalePriceLamports: v.Uint64(0, "sale_price_lamports", "sale_price"),
	}
}
