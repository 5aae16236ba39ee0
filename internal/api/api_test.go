package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/campaign"
	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/marketplace"
	"github.com/promotarget/promo-bridge/internal/metrics"
	"github.com/promotarget/promo-bridge/internal/payment"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/promo/promotest"
	"github.com/promotarget/promo-bridge/internal/rules"
	"github.com/promotarget/promo-bridge/internal/schema"
	"github.com/promotarget/promo-bridge/internal/usage"
)

type rejectAll struct{}

func (rejectAll) Validate(string, string, string) error {
	return domain.NewError(domain.ErrWebhookValidationFailed, "invalid signature", "INVALID_SIGNATURE")
}

type fixture struct {
	ledger   *promotest.Ledger
	router   *gin.Engine
	handler  *Handler
	campaign *domain.CampaignView
	coupon   *domain.CouponView
	owner    chain.PublicKey
}

func newWallet(t *testing.T) chain.PublicKey {
	t.Helper()
	kp, err := chain.NewKeypair()
	require.NoError(t, err)
	return kp.PublicKey
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	ledger := promotest.NewLedger(promotest.Schema(t))
	program := ledger.Program()
	signer, err := chain.NewKeypair()
	require.NoError(t, err)
	ledger.PutConfig(t, domain.GlobalConfig{Admin: signer.PublicKey, MaxResaleBps: 5000, ServiceFeeBps: 500})

	used := usage.NewSet()
	engine := rules.NewEngine(program, nil, used)
	campaigns := campaign.NewService(program, ledger, signer, campaign.Settings{MaxResaleBps: 5000, ServiceFeeBps: 500}, nil, nil)
	payments := payment.NewService(payment.Config{
		Recipient: newWallet(t),
		Label:     "Promo Store",
		BaseURL:   "https://shop.example",
	}, ledger, engine, program, campaigns, nil, nil, nil)
	market := marketplace.NewService(program, engine, 0, nil, nil)

	owner := newWallet(t)
	c := ledger.PutCampaign(t, domain.CampaignView{
		Merchant:            newWallet(t),
		CampaignID:          1,
		DiscountBps:         2000,
		ServiceFeeBps:       500,
		ResaleBps:           5000,
		ExpirationTimestamp: 4_000_000_000,
		TotalCoupons:        10,
		MintedCoupons:       1,
		MaxDiscountLamports: 20_000_000,
		ProductCode:         3,
	})
	coupon := ledger.PutCoupon(t, domain.CouponView{Campaign: c.Address, Owner: owner})

	deps := Deps{
		Program:   program,
		Campaigns: campaigns,
		Rules:     engine,
		Used:      used,
		Payments:  payments,
		Market:    market,
		Wallets:   ledger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h := NewHandler(deps)
	return &fixture{
		ledger:   ledger,
		router:   SetupRouter(h, gin.TestMode, metrics.New(), nil),
		handler:  h,
		campaign: c,
		coupon:   coupon,
		owner:    owner,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["schema_loaded"])
	assert.Equal(t, promotest.ProgramID.String(), body["program_id"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSchemaUnavailable(t *testing.T) {
	ledger := promotest.NewLedger(promotest.Schema(t))
	program := promo.NewProgram(schema.NewProvider("idl/missing.json", nil), ledger, promotest.ProgramID, nil)
	f := newFixture(t, func(d *Deps) { d.Program = program })

	w := f.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, "schema unavailable: idl/missing.json", body.Error)
	assert.Equal(t, "SCHEMA_UNAVAILABLE", body.Code)
}

func TestCouponReads(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/coupons/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ADDRESS", decode[ErrorResponse](t, w).Code)

	w = f.do(t, http.MethodGet, "/api/v1/coupons/"+newWallet(t).String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/coupons/mark-used", map[string]any{"coupon_address": f.coupon.Address})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["newly_marked"])

	w = f.do(t, http.MethodGet, "/api/v1/coupons/"+f.coupon.Address.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[domain.CouponView](t, w)
	assert.Equal(t, f.owner, got.Owner)
	assert.True(t, got.LocallyUsed)
	assert.False(t, got.Used)

	w = f.do(t, http.MethodGet, "/api/v1/wallets/"+f.owner.String()+"/coupons", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])
}

func TestValidateCoupon(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/coupons/validate", map[string]any{
		"coupon_address": f.coupon.Address,
		"payer_wallet":   f.owner,
		"amount":         "0.1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Valid  bool                    `json:"valid"`
		Coupon domain.NormalizedCoupon `json:"coupon"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Valid)
	require.NotNil(t, body.Coupon.Quote)
	assert.Equal(t, uint64(20_000_000), body.Coupon.Quote.DiscountLamports)
	assert.Equal(t, uint64(1_000_000), body.Coupon.Quote.ServiceFeeLamports)

	used := *f.coupon
	used.Used = true
	f.ledger.PutCoupon(t, used)
	w = f.do(t, http.MethodPost, "/api/v1/coupons/validate", map[string]any{"coupon_address": f.coupon.Address})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, rules.CodeAlreadyUsed, resp.Code)
	assert.Contains(t, resp.Error, "already used")
	assert.Zero(t, f.ledger.Calls("sendTransaction"))
}

func TestPaymentFlow(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/payment/create-session", map[string]any{"amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[domain.PaymentSession](t, w)
	assert.Equal(t, domain.SessionPending, session.Status)
	assert.True(t, strings.HasPrefix(session.URL, "solana:"))

	status := "/api/v1/payment/status/" + session.Reference.String()
	w = f.do(t, http.MethodGet, status, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.SessionPending, decode[domain.PaymentSession](t, w).Status)

	f.ledger.Confirm(session.Reference, "sig-paid")
	w = f.do(t, http.MethodGet, status, nil)
	require.Equal(t, http.StatusOK, w.Code)
	confirmed := decode[domain.PaymentSession](t, w)
	assert.Equal(t, domain.SessionConfirmed, confirmed.Status)
	assert.Equal(t, "sig-paid", confirmed.Signature)

	w = f.do(t, http.MethodGet, "/api/v1/payment/status/"+newWallet(t).String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransactionRequestProtocol(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/payment/tx-request", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Promo Store", decode[payment.Metadata](t, w).Label)

	w = f.do(t, http.MethodPost, "/api/v1/payment/create-session", map[string]any{
		"amount": "0.1", "mode": "transaction-request", "coupon_address": f.coupon.Address,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[domain.PaymentSession](t, w)

	path := "/api/v1/payment/tx-request?reference=" + session.Reference.String()
	w = f.do(t, http.MethodPost, path, map[string]any{"account": f.owner.String()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decode[payment.Envelope](t, w)
	tx, err := chain.ParseTransactionBase64(env.Transaction)
	require.NoError(t, err)
	assert.Equal(t, f.owner, tx.Message.AccountKeys[0])
	require.NotNil(t, env.Quote)
	assert.Equal(t, uint64(80_000_000), env.Quote.ChargeLamports)

	w = f.do(t, http.MethodPost, "/api/v1/payment/tx-request?reference=bad", map[string]any{"account": f.owner.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REFERENCE", decode[ErrorResponse](t, w).Code)
}

func TestMarketplaceFlow(t *testing.T) {
	f := newFixture(t, nil)
	listReq := map[string]any{
		"campaign_address": f.campaign.Address,
		"coupon_address":   f.coupon.Address,
		"seller_wallet":    f.owner,
		"price":            "0.010000001",
	}
	w := f.do(t, http.MethodPost, "/api/v1/marketplace/list", listReq)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	listReq["price"] = "0.01"
	w = f.do(t, http.MethodPost, "/api/v1/marketplace/list", listReq)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listing := decode[domain.Listing](t, w)

	w = f.do(t, http.MethodPost, "/api/v1/marketplace/list", listReq)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/marketplace/listings?status=active&seller="+f.owner.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/v1/marketplace/listings?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/marketplace/buy", map[string]any{"listing_id": listing.ID, "buyer_wallet": newWallet(t)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, marketplace.SettlementNotPerformed, decode[map[string]any](t, w)["settlement"])

	w = f.do(t, http.MethodPost, "/api/v1/marketplace/buy", map[string]any{"listing_id": "missing", "buyer_wallet": newWallet(t)})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook(t *testing.T) {
	open := newFixture(t, nil)
	w := open.do(t, http.MethodPost, "/webhooks/mercadopago?data.id=1&type=merchant_order", map[string]any{"type": "merchant_order"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode[map[string]any](t, w)["status"])

	w = open.do(t, http.MethodPost, "/webhooks/mercadopago", map[string]any{"type": "payment", "data": map[string]any{"id": 77}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed_with_error", decode[map[string]any](t, w)["status"], "no gateway configured")

	guarded := newFixture(t, func(d *Deps) { d.Verifier = rejectAll{} })
	w = guarded.do(t, http.MethodPost, "/webhooks/mercadopago?data.id=1", map[string]any{"type": "payment"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode[ErrorResponse](t, w).Code)
}

func TestAssistantDegradesToApology(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/v1/assistant/chat", map[string]any{
		"message":         "plan a campaign",
		"merchant_wallet": f.campaign.Merchant,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[domain.Proposal](t, w).Reply, "Sorry")

	w = f.do(t, http.MethodPost, "/api/v1/assistant/chat", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWallets(t *testing.T) {
	f := newFixture(t, nil)
	wallet := newWallet(t)

	w := f.do(t, http.MethodPost, "/api/v1/wallets/"+wallet.String()+"/airdrop", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	dev := newFixture(t, func(d *Deps) { d.AirdropAllowed = true })
	w = dev.do(t, http.MethodPost, "/api/v1/wallets/"+wallet.String()+"/airdrop", map[string]any{"lamports": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = dev.do(t, http.MethodGet, "/api/v1/wallets/"+wallet.String()+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(5), body["lamports"])
	assert.Equal(t, "0.000000005", body["sol"])

	w = dev.do(t, http.MethodPost, "/api/v1/wallets/"+wallet.String()+"/airdrop", map[string]any{"lamports": 3_000_000_000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"discount_bps":  20_000,
		"total_coupons": 5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.ledger.Calls("sendTransaction"))
}

func TestServiceAuth(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.ServiceAPIKey = "s3cret"
		d.AirdropAllowed = true
	})
	path := "/api/v1/wallets/" + newWallet(t).String() + "/airdrop"

	send := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	tests := []struct {
		name    string
		auth    string
		status  int
		message string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized, "Invalid authorization format"},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "Invalid service token"},
		{"valid token", "Bearer s3cret", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(tt.auth)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.message != "" {
				body := decode[ErrorResponse](t, w)
				assert.Equal(t, tt.message, body.Error)
				assert.Equal(t, "UNAUTHORIZED", body.Code)
			}
		})
	}

	// Read endpoints stay open.
	w := f.do(t, http.MethodGet, "/api/v1/coupons/"+f.coupon.Address.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/health", nil)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `promo_bridge_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"retries", &chain.RetryError{Label: "getAccountInfo", Attempts: 5, Err: chain.ErrRateLimited}, http.StatusInternalServerError, "RPC_RETRIES_EXHAUSTED"},
		{"capacity", domain.NewError(domain.ErrCapacity, "full", "SESSION_LIMIT"), http.StatusServiceUnavailable, "SESSION_LIMIT"},
		{"on chain", &chain.TransactionError{Signature: "s", Err: "boom"}, http.StatusBadGateway, "LEDGER_ERROR"},
		{"gateway", domain.NewError(domain.ErrPaymentGatewayError, "down", "GATEWAY_ERROR"), http.StatusBadGateway, "GATEWAY_ERROR"},
		{"stub", domain.ErrNotImplemented, http.StatusNotImplemented, "NOT_IMPLEMENTED"},
		{"wrapped not found", fmt.Errorf("read: %w", chain.ErrAccountNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"unknown", errors.New("secret internals"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorBody(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.False(t, body.Success)
		})
	}

	_, body := errorBody(&chain.RetryError{Label: "getBalance", Attempts: 5, Err: chain.ErrConnectTimeout})
	assert.Equal(t, 5, body.Details["attempts"])
	_, body = errorBody(errors.New("secret internals"))
	assert.Equal(t, "Internal server error", body.Error)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "123456789", stringify(float64(123456789)))
	assert.Equal(t, "abc", stringify("abc"))
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "1.5", decimal.NewFromFloat(1.5).String())
}
