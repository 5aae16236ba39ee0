package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/campaign"
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/marketplace"
	"github.com/promotarget/promo-bridge/internal/payment"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/rules"
	"github.com/promotarget/promo-bridge/internal/usage"
)

// Wallets is the wallet side of the RPC client.
type Wallets interface {
	GetBalance(ctx context.Context, address chain.PublicKey) (uint64, error)
	RequestAirdrop(ctx context.Context, address chain.PublicKey, lamports uint64) (string, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Program   *promo.Program
	Campaigns *campaign.Service
	Rules     *rules.Engine
	Used      *usage.Set
	Payments  *payment.Service
	Market    *marketplace.Service
	Wallets   Wallets
	Proposer  domain.Proposer
	// Verifier checks webhook signatures; nil accepts every notification.
	Verifier       domain.WebhookVerifier
	AirdropAllowed bool
	// ServiceAPIKey guards the server-signed endpoints; empty leaves them open.
	ServiceAPIKey string
	Logger        *zap.Logger
}

// Handler contains the HTTP handlers for the bridge API.
type Handler struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: deps, logger: logger.Named("api"), now: time.Now}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	_, schemaErr := h.Program.Schema()
	resp := gin.H{
		"status":        "ok",
		"service":       "promo-bridge",
		"program_id":    h.Program.ProgramID().String(),
		"schema_loaded": schemaErr == nil,
		"sessions":      h.Payments.Len(),
	}
	if authority, ok := h.Campaigns.Authority(); ok {
		resp["authority"] = authority.String()
	}
	c.JSON(http.StatusOK, resp)
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// addressParam parses a base58 path parameter, answering 400 when it is malformed.
func addressParam(c *gin.Context, name string) (chain.PublicKey, bool) {
	pk, err := chain.ParsePublicKey(c.Param(name))
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", name+": "+err.Error())
		return pk, false
	}
	return pk, true
}

// addressQuery parses an optional base58 query parameter.
func addressQuery(c *gin.Context, name string) (*chain.PublicKey, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	pk, err := chain.ParsePublicKey(raw)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", name+": "+err.Error())
		return nil, false
	}
	return &pk, true
}
