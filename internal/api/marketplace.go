package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/assistant"
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/marketplace"
)

// Listings handles GET /api/v1/marketplace/listings?status=&seller=&campaign=
func (h *Handler) Listings(c *gin.Context) {
	status, err := marketplace.ParseStatus(c.Query("status"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	seller, ok := addressQuery(c, "seller")
	if !ok {
		return
	}
	campaign, ok := addressQuery(c, "campaign")
	if !ok {
		return
	}
	listings := h.Market.Listings(marketplace.Filter{Status: status, Seller: seller, Campaign: campaign})
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

// ListCoupon handles POST /api/v1/marketplace/list
func (h *Handler) ListCoupon(c *gin.Context) {
	var req marketplace.ListRequest
	if !bindJSON(c, &req) {
		return
	}
	listing, err := h.Market.List(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// BuyRequest buys an active listing.
type BuyRequest struct {
	ListingID string          `json:"listing_id" binding:"required"`
	Buyer     chain.PublicKey `json:"buyer_wallet" binding:"required"`
}

// BuyListing handles POST /api/v1/marketplace/buy
// The listing is marked sold in the order book only; the response states
// that no settlement happened on the ledger.
func (h *Handler) BuyListing(c *gin.Context) {
	var req BuyRequest
	if !bindJSON(c, &req) {
		return
	}
	purchase, err := h.Market.Buy(c.Request.Context(), req.ListingID, req.Buyer)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"listing":    purchase.Listing,
		"settlement": purchase.Settlement,
		"message":    "listing marked sold; payment and coupon transfer were not performed on the ledger",
	})
}

// ChatRequest is a merchant's message to the assistant.
type ChatRequest struct {
	Message  string           `json:"message" binding:"required"`
	Merchant *chain.PublicKey `json:"merchant_wallet,omitempty"`
	Profile  map[string]any   `json:"profile,omitempty"`
}

// AssistantChat handles POST /api/v1/assistant/chat
// Always answers 200: a failing collaborator degrades to an apology.
func (h *Handler) AssistantChat(c *gin.Context) {
	var req ChatRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	metrics := map[string]any{}
	if req.Merchant != nil {
		campaigns, err := h.Program.Campaigns(ctx, req.Merchant)
		if err != nil {
			h.logger.Warn("merchant metrics unavailable", zap.Stringer("merchant", req.Merchant), zap.Error(err))
		} else {
			metrics = assistant.MerchantMetrics(campaigns, h.now())
		}
	}
	c.JSON(http.StatusOK, assistant.ProposeOrApologize(ctx, h.Proposer, h.logger, req.Message, metrics, req.Profile))
}
