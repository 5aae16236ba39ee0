package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps an error to its HTTP status and a fallback code.
func statusFor(err error) (int, string) {
	var (
		retryErr *chain.RetryError
		txErr    *chain.TransactionError
		rpcErr   *chain.RPCError
	)
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusInternalServerError, "CONFIGURATION_ERROR"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, chain.ErrAccountNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusServiceUnavailable, "CAPACITY_EXCEEDED"
	case errors.Is(err, domain.ErrWebhookValidationFailed):
		return http.StatusUnauthorized, "INVALID_SIGNATURE"
	case errors.Is(err, domain.ErrNotImplemented):
		return http.StatusNotImplemented, "NOT_IMPLEMENTED"
	case errors.As(err, &retryErr):
		return http.StatusInternalServerError, "RPC_RETRIES_EXHAUSTED"
	case errors.Is(err, domain.ErrLedger), errors.As(err, &txErr), errors.As(err, &rpcErr):
		return http.StatusBadGateway, "LEDGER_ERROR"
	case errors.Is(err, domain.ErrPaymentGatewayError):
		return http.StatusBadGateway, "GATEWAY_ERROR"
	case errors.Is(err, domain.ErrAssistantFailed):
		return http.StatusBadGateway, "ASSISTANT_ERROR"
	case errors.Is(err, chain.ErrConfirmTimeout):
		return http.StatusGatewayTimeout, "CONFIRM_TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// errorBody builds the structured body for err.
func errorBody(err error) (int, ErrorResponse) {
	status, code := statusFor(err)
	resp := ErrorResponse{Success: false, Error: err.Error(), Code: code}

	var de *domain.Error
	if errors.As(err, &de) {
		if de.Message != "" {
			resp.Error = de.Message
		}
		if de.Code != "" {
			resp.Code = de.Code
		}
		for k, v := range de.Details {
			resp.withDetail(k, v)
		}
	}
	var retryErr *chain.RetryError
	if errors.As(err, &retryErr) {
		resp.withDetail("attempts", retryErr.Attempts)
		resp.withDetail("operation", retryErr.Label)
	}
	if status == http.StatusInternalServerError && resp.Code == "INTERNAL_ERROR" {
		resp.Error = "Internal server error"
	}
	return status, resp
}

func (r *ErrorResponse) withDetail(key string, value any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
}

// handleServiceError maps domain errors to HTTP responses.
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func abortWithError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Success: false, Error: message, Code: code})
}
