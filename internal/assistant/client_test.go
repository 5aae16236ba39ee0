package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promotarget/promo-bridge/internal/domain"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(body)
}

func TestProposeParsesFencedProposal(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("Try a weekend promo.\n```json\n{\"name\":\"Weekend\",\"discount_bps\":1500}\n```")))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "test-model", time.Second, nil)
	p, err := c.Propose(context.Background(), "help me", map[string]any{"campaigns": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Try a weekend promo.", p.Reply)
	assert.Equal(t, "Weekend", p.Proposal["name"])
	assert.Equal(t, float64(1500), p.Proposal["discount_bps"])

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "help me", got.Messages[2].Content)
	assert.Contains(t, got.Messages[1].Content, `"campaigns":2`)
}

func TestProposeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"no content", http.StatusOK, `{"choices":[]}`},
		{"blank content", http.StatusOK, completion("   ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", "m", time.Second, nil).Propose(context.Background(), "hi", nil, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrAssistantFailed))
		})
	}
}

func TestProposeWithoutEndpoint(t *testing.T) {
	_, err := NewClient("", "", "m", 0, nil).Propose(context.Background(), "hi", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	p := ProposeOrApologize(context.Background(), NewClient("", "", "m", 0, nil), nil, "hi", nil, nil)
	assert.Equal(t, Apology, p.Reply)
	assert.Nil(t, p.Proposal)

	assert.Equal(t, Apology, ProposeOrApologize(context.Background(), nil, nil, "hi", nil, nil).Reply)
}

func TestParse(t *testing.T) {
	p := Parse("No block here.")
	assert.Equal(t, "No block here.", p.Reply)
	assert.Nil(t, p.Proposal)

	p = Parse("Broken:\n```json\n{not json}\n```")
	assert.Nil(t, p.Proposal)
	assert.Contains(t, p.Reply, "{not json}")

	p = Parse("```\n{\"total_coupons\":50}\n```")
	assert.Equal(t, float64(50), p.Proposal["total_coupons"])
	assert.Equal(t, "Here is a campaign proposal.", p.Reply)
}

func TestMerchantMetrics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := MerchantMetrics([]*domain.CampaignView{
		{DiscountBps: 1000, TotalCoupons: 10, MintedCoupons: 4, UsedCoupons: 1, TotalPurchaseAmount: 2_000_000_000},
		{DiscountBps: 3000, TotalCoupons: 5, MintedCoupons: 5, UsedCoupons: 1, ExpirationTimestamp: 1},
	}, now)

	assert.Equal(t, 2, m["campaigns"])
	assert.Equal(t, uint64(1), m["active_campaigns"])
	assert.Equal(t, uint64(2000), m["average_discount_bps"])
	assert.Equal(t, "0.2222", m["redemption_rate"])
	assert.Equal(t, "2", m["total_purchase_sol"])

	empty := MerchantMetrics(nil, now)
	assert.Equal(t, 0, empty["average_discount_bps"])
	assert.Equal(t, "0", empty["redemption_rate"])
}
