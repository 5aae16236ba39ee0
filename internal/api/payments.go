package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/payment"
)

// CreateSession handles POST /api/v1/payment/create-session
func (h *Handler) CreateSession(c *gin.Context) {
	var req payment.CreateRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := h.Payments.Create(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// TransactionRequestMetadata handles GET /api/v1/payment/tx-request
func (h *Handler) TransactionRequestMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, h.Payments.TransactionRequestMetadata())
}

// TransactionRequestBody is what a wallet posts in the transaction-request protocol.
type TransactionRequestBody struct {
	Account string `json:"account" binding:"required"`
}

// TransactionRequest handles POST /api/v1/payment/tx-request?reference=
// Answers {transaction, message} with the unsigned transaction for the
// posting wallet.
func (h *Handler) TransactionRequest(c *gin.Context) {
	reference, err := chain.ParsePublicKey(c.Query("reference"))
	if err != nil {
		badRequest(c, "INVALID_REFERENCE", "reference: "+err.Error())
		return
	}
	var body TransactionRequestBody
	if !bindJSON(c, &body) {
		return
	}
	account, err := chain.ParsePublicKey(body.Account)
	if err != nil {
		badRequest(c, "INVALID_ACCOUNT", "account: "+err.Error())
		return
	}
	env, err := h.Payments.BuildTransaction(c.Request.Context(), reference, account)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// PaymentStatus handles GET /api/v1/payment/status/:reference
// Each call asks the ledger once unless the session is already settled.
func (h *Handler) PaymentStatus(c *gin.Context) {
	reference, ok := addressParam(c, "reference")
	if !ok {
		return
	}
	session, err := h.Payments.Poll(c.Request.Context(), reference)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// WebhookRequest represents the JSON body from Mercado Pago webhooks.
type WebhookRequest struct {
	ID     any    `json:"id"`
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID any `json:"id"`
	} `json:"data"`
	LiveMode    bool   `json:"live_mode"`
	DateCreated string `json:"date_created"`
}

// MercadoPagoWebhook handles POST /webhooks/mercadopago
// Signatures are checked by WebhookSecurityMiddleware. Processing errors
// are logged and still answered with 200 so Mercado Pago stops retrying.
func (h *Handler) MercadoPagoWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Mercado Pago might send different formats, log and accept
		h.logger.Warn("webhook parsing error", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}
	notification := domain.WebhookNotification{
		ID:          stringify(req.ID),
		Type:        firstNonEmpty(req.Type, c.Query("type")),
		Action:      req.Action,
		DataID:      firstNonEmpty(stringify(req.Data.ID), c.Query("data.id")),
		LiveMode:    req.LiveMode,
		DateCreated: req.DateCreated,
	}

	session, err := h.Payments.ConfirmFiat(c.Request.Context(), notification)
	if err != nil {
		h.logger.Error("webhook processing error",
			zap.String("type", notification.Type),
			zap.String("data_id", notification.DataID),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "processed_with_error"})
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "reference": session.Reference})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// stringify renders ids Mercado Pago sends either as numbers or strings.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return ""
	}
}
