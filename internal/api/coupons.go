package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/payment"
	"github.com/promotarget/promo-bridge/internal/rules"
)

// MarkUsedRequest flags a coupon used in this process.
type MarkUsedRequest struct {
	Coupon chain.PublicKey  `json:"coupon_address" binding:"required"`
	Wallet *chain.PublicKey `json:"wallet,omitempty"`
}

// MarkUsed handles POST /api/v1/coupons/mark-used
// The flag lives in process memory; nothing is written to the ledger.
func (h *Handler) MarkUsed(c *gin.Context) {
	var req MarkUsedRequest
	if !bindJSON(c, &req) {
		return
	}
	mark, fresh := h.Used.MarkUsed(req.Coupon, req.Wallet)
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"mark":         mark,
		"newly_marked": fresh,
		"ledger_write": false,
	})
}

// ValidateRequest checks a coupon against an order.
type ValidateRequest struct {
	Coupon chain.PublicKey   `json:"coupon_address" binding:"required"`
	Payer  *chain.PublicKey  `json:"payer_wallet,omitempty"`
	Cart   []domain.CartItem `json:"cart,omitempty"`
	// Amount is the purchase in SOL; when set the discount is quoted.
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// ValidateCoupon handles POST /api/v1/coupons/validate
func (h *Handler) ValidateCoupon(c *gin.Context) {
	var req ValidateRequest
	if !bindJSON(c, &req) {
		return
	}
	var purchase uint64
	if req.Amount != nil {
		lamports, err := domain.SOLToLamports(*req.Amount)
		if err != nil || lamports == 0 {
			badRequest(c, "INVALID_AMOUNT", "amount must be a positive SOL value with at most 9 decimals")
			return
		}
		purchase = lamports
	}
	normalized, err := h.Rules.ValidateCouponForOrder(c.Request.Context(), req.Coupon, req.Payer, req.Cart)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if purchase > 0 {
		quote := rules.QuoteDiscount(&normalized.Campaign, purchase)
		normalized.Quote = &quote
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "coupon": normalized})
}

// RedeemTransaction handles POST /api/v1/coupons/redeem-transaction
// Answers an unsigned redemption for the user's wallet to sign.
func (h *Handler) RedeemTransaction(c *gin.Context) {
	var req payment.RedeemRequest
	if !bindJSON(c, &req) {
		return
	}
	env, err := h.Payments.RedemptionTransaction(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}
