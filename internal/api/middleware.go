// Package api contains the HTTP handlers and routing for the promo bridge.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// CORSMiddleware handles Cross-Origin Resource Sharing. Wallets fetch the
// transaction-request endpoints from arbitrary origins.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Accept-Encoding, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ServiceAuthMiddleware validates the Bearer token on endpoints that sign
// with the server key. An empty apiKey leaves them open.
func ServiceAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Success: false,
				Error:   "Authorization header required",
				Code:    "UNAUTHORIZED",
			})
			return
		}

		// Expect: Bearer <token>
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Success: false,
				Error:   "Invalid authorization format",
				Code:    "UNAUTHORIZED",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Success: false,
				Error:   "Invalid service token",
				Code:    "UNAUTHORIZED",
			})
			return
		}

		c.Next()
	}
}

// WebhookSecurityMiddleware validates Mercado Pago webhook signatures.
// Mercado Pago sends:
//
//	x-signature: ts=timestamp,v1=signature
//	x-request-id: unique request ID
//
// and the resource id as the data.id query parameter. A nil verifier (no
// secret configured) lets every notification through.
func WebhookSecurityMiddleware(verifier domain.WebhookVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		dataID := c.Query("data.id")
		if dataID == "" {
			dataID = c.Query("id")
		}
		if err := verifier.Validate(c.GetHeader("x-signature"), c.GetHeader("x-request-id"), dataID); err != nil {
			logger.Warn("rejected webhook", zap.Error(err), zap.String("data_id", dataID))
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}
