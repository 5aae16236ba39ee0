package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

func TestObserversCountByLabel(t *testing.T) {
	m := New()

	m.ObserveAttempt("getAccountInfo", nil)
	m.ObserveAttempt("getAccountInfo", chain.ErrRateLimited)
	m.ObserveRetry("getAccountInfo")
	m.ObserveSubmission("mint_coupon", &chain.TransactionError{Signature: "x", Err: "boom"})
	m.ObserveSubmission("mint_coupon", errors.New("io"))
	m.SessionCreated(domain.ModeTransfer)
	m.SessionConfirmed(domain.ModeTransfer)
	m.ListingObserved(domain.ListingActive)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCAttempts.WithLabelValues("getAccountInfo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCAttempts.WithLabelValues("getAccountInfo", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRetries.WithLabelValues("getAccountInfo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("mint_coupon", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("mint_coupon", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreated.WithLabelValues("transfer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsConfirmed.WithLabelValues("transfer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Listings.WithLabelValues("active")))
}

func TestHandlerServesRouteLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	m.Gauge("payment_sessions_open", "Open payment sessions", func() int { return 3 })

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `promo_bridge_http_requests_total{method="GET",route="/items/:id",status="204"} 1`)
	assert.Contains(t, body, "promo_bridge_payment_sessions_open 3")
}
