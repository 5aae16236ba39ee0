package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/logging"
	"github.com/promotarget/promo-bridge/internal/metrics"
)

// SetupRouter configures the Gin router with all routes and middleware.
// m may be nil, which leaves out request metrics and /metrics.
func SetupRouter(handler *Handler, ginMode string, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	gin.SetMode(ginMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(logging.GinLogger(logger))
	router.Use(CORSMiddleware())
	if m != nil {
		router.Use(m.Middleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.GET("/health", handler.Health)

	// Endpoints that sign with the server key.
	serviceAuth := ServiceAuthMiddleware(handler.ServiceAPIKey)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/config", handler.GetConfig)
		v1.GET("/records/:address", handler.GetRecord)

		campaigns := v1.Group("/campaigns")
		{
			campaigns.GET("", handler.ListCampaigns)
			campaigns.POST("", serviceAuth, handler.CreateCampaign)
			campaigns.GET("/:address", handler.GetCampaign)
		}
		v1.GET("/merchants/:address/campaigns", handler.MerchantCampaigns)

		coupons := v1.Group("/coupons")
		{
			coupons.POST("/mint", serviceAuth, handler.MintCoupon)
			coupons.POST("/mark-used", handler.MarkUsed)
			coupons.POST("/validate", handler.ValidateCoupon)
			coupons.POST("/redeem-transaction", handler.RedeemTransaction)
			coupons.GET("/:address", handler.GetCoupon)
		}

		wallets := v1.Group("/wallets/:address")
		{
			wallets.GET("/coupons", handler.WalletCoupons)
			wallets.GET("/balance", handler.WalletBalance)
			wallets.POST("/airdrop", serviceAuth, handler.Airdrop)
		}

		payments := v1.Group("/payment")
		{
			payments.POST("/create-session", handler.CreateSession)
			payments.GET("/tx-request", handler.TransactionRequestMetadata)
			payments.POST("/tx-request", handler.TransactionRequest)
			payments.GET("/status/:reference", handler.PaymentStatus)
		}

		market := v1.Group("/marketplace")
		{
			market.GET("/listings", handler.Listings)
			market.POST("/list", handler.ListCoupon)
			market.POST("/buy", handler.BuyListing)
		}

		v1.POST("/assistant/chat", handler.AssistantChat)
	}

	// This endpoint is called by Mercado Pago, so no client auth applies.
	// Security is handled by validating the webhook signature.
	router.POST("/webhooks/mercadopago",
		WebhookSecurityMiddleware(handler.Verifier, handler.logger),
		handler.MercadoPagoWebhook)

	return router
}
