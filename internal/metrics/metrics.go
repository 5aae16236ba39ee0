// Package metrics holds the Prometheus collectors of the bridge. Metrics
// implements the observer interfaces of the RPC retrier and the services.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

const namespace = "promo_bridge"

// Metrics contains all Prometheus metrics for the application.
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	RPCAttempts *prometheus.CounterVec
	RPCRetries  *prometheus.CounterVec

	Submissions *prometheus.CounterVec

	SessionsCreated   *prometheus.CounterVec
	SessionsConfirmed *prometheus.CounterVec

	Listings *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on registry and serves them from
// gatherer.
func NewWithRegistry(registry prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		gatherer: gatherer,
		RPCAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_attempts_total",
			Help:      "Ledger RPC attempts by method and outcome",
		}, []string{"method", "outcome"}),
		RPCRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Ledger RPC attempts repeated after a transient error",
		}, []string{"method"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Server-signed transactions by instruction and outcome",
		}, []string{"instruction", "outcome"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sessions_created_total",
			Help:      "Payment sessions created by mode",
		}, []string{"mode"}),
		SessionsConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sessions_confirmed_total",
			Help:      "Payment sessions confirmed by mode",
		}, []string{"mode"}),
		Listings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marketplace_listings_total",
			Help:      "Listings entering a status",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
	}
}

// ObserveAttempt counts one RPC attempt.
func (m *Metrics) ObserveAttempt(label string, err error) {
	m.RPCAttempts.WithLabelValues(label, outcome(err)).Inc()
}

// ObserveRetry counts one retry.
func (m *Metrics) ObserveRetry(label string) {
	m.RPCRetries.WithLabelValues(label).Inc()
}

// ObserveSubmission counts one server-signed submission.
func (m *Metrics) ObserveSubmission(instruction string, err error) {
	m.Submissions.WithLabelValues(instruction, outcome(err)).Inc()
}

// SessionCreated counts a new payment session.
func (m *Metrics) SessionCreated(mode domain.PaymentMode) {
	m.SessionsCreated.WithLabelValues(string(mode)).Inc()
}

// SessionConfirmed counts a confirmed payment session.
func (m *Metrics) SessionConfirmed(mode domain.PaymentMode) {
	m.SessionsConfirmed.WithLabelValues(string(mode)).Inc()
}

// ListingObserved counts a listing entering status.
func (m *Metrics) ListingObserved(status domain.ListingStatus) {
	m.Listings.WithLabelValues(string(status)).Inc()
}

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

// Middleware counts requests by matched route, so path parameters do not
// blow up the label set.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	var txErr *chain.TransactionError
	switch {
	case err == nil:
		return "ok"
	case chain.IsTransient(err):
		return "transient"
	case errors.As(err, &txErr):
		return "rejected"
	default:
		return "error"
	}
}
