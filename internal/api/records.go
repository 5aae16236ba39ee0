package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/campaign"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// GetConfig handles GET /api/v1/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.Program.FetchConfig(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetRecord handles GET /api/v1/records/:address
// The record type is detected from the account's discriminator.
func (h *Handler) GetRecord(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	rec, err := h.Program.Decode(c.Request.Context(), addr)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListCampaigns handles GET /api/v1/campaigns?merchant=
func (h *Handler) ListCampaigns(c *gin.Context) {
	merchant, ok := addressQuery(c, "merchant")
	if !ok {
		return
	}
	campaigns, err := h.Program.Campaigns(c.Request.Context(), merchant)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns, "count": len(campaigns)})
}

// MerchantCampaigns handles GET /api/v1/merchants/:address/campaigns
func (h *Handler) MerchantCampaigns(c *gin.Context) {
	merchant, ok := addressParam(c, "address")
	if !ok {
		return
	}
	campaigns, err := h.Program.Campaigns(c.Request.Context(), &merchant)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchant": merchant, "campaigns": campaigns, "count": len(campaigns)})
}

// GetCampaign handles GET /api/v1/campaigns/:address
// The vault is included when it can be read.
func (h *Handler) GetCampaign(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	view, err := h.Program.FetchCampaign(ctx, addr)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	resp := gin.H{"campaign": view}
	vaultAddr, err := h.Program.Addresses().Vault(addr)
	if err == nil {
		vault, verr := h.Program.FetchVault(ctx, vaultAddr)
		switch {
		case verr == nil:
			resp["vault"] = vault
		case !errors.Is(verr, domain.ErrNotFound):
			h.logger.Warn("vault read failed", zap.Stringer("campaign", addr), zap.Error(verr))
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CreateCampaign handles POST /api/v1/campaigns
// Signs with the server key. When mint_to is set a first coupon is minted;
// a failed mint answers with the steps that did complete.
func (h *Handler) CreateCampaign(c *gin.Context) {
	var req campaign.CreateRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.Campaigns.Create(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// MintCoupon handles POST /api/v1/coupons/mint
func (h *Handler) MintCoupon(c *gin.Context) {
	var req campaign.MintRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.Campaigns.Mint(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetCoupon handles GET /api/v1/coupons/:address
func (h *Handler) GetCoupon(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	coupon, err := h.Program.FetchCoupon(c.Request.Context(), addr)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	coupon.LocallyUsed = h.Used.IsUsed(addr)
	c.JSON(http.StatusOK, coupon)
}

// WalletCoupons handles GET /api/v1/wallets/:address/coupons
func (h *Handler) WalletCoupons(c *gin.Context) {
	owner, ok := addressParam(c, "address")
	if !ok {
		return
	}
	coupons, err := h.Program.Coupons(c.Request.Context(), nil, &owner)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	for _, cp := range coupons {
		cp.LocallyUsed = h.Used.IsUsed(cp.Address)
	}
	c.JSON(http.StatusOK, gin.H{"wallet": owner, "coupons": coupons, "count": len(coupons)})
}

// WalletBalance handles GET /api/v1/wallets/:address/balance
func (h *Handler) WalletBalance(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	lamports, err := h.Wallets.GetBalance(c.Request.Context(), addr)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":  addr,
		"lamports": lamports,
		"sol":      domain.LamportsToSOL(lamports).String(),
	})
}

// maxAirdropLamports is the largest airdrop the endpoint asks for.
const maxAirdropLamports = 2 * domain.LamportsPerSOL

// AirdropRequest is the optional body of the airdrop endpoint.
type AirdropRequest struct {
	Lamports uint64 `json:"lamports"`
}

// Airdrop handles POST /api/v1/wallets/:address/airdrop
// Only available on development clusters.
func (h *Handler) Airdrop(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	if !h.AirdropAllowed {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Success: false,
			Error:   "airdrops are only available on development clusters",
			Code:    "AIRDROP_DISABLED",
		})
		return
	}
	req := AirdropRequest{Lamports: domain.LamportsPerSOL}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.Lamports == 0 || req.Lamports > maxAirdropLamports {
		badRequest(c, "INVALID_AMOUNT", "lamports must be between 1 and 2000000000")
		return
	}
	sig, err := h.Wallets.RequestAirdrop(c.Request.Context(), addr, req.Lamports)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "lamports": req.Lamports, "signature": sig})
}
