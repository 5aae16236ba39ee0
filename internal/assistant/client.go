// Package assistant provides the HTTP client for the text-completion
// endpoint that turns a merchant's message into a campaign proposal.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// Apology is the reply shown whenever the endpoint cannot be used.
const Apology = "Sorry, I can't put together a campaign proposal right now. Please try again in a moment."

const systemPrompt = `You help merchants design coupon campaigns on a promotions ledger.
Answer briefly. When you suggest a campaign, append one fenced json block with the keys
name, discount_bps, service_fee_bps, resale_bps, expiration_days, total_coupons,
requires_wallet, max_discount_lamports and product_code.`

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Client implements domain.Proposer against an OpenAI-compatible chat
// completions endpoint.
type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new assistant client. An empty url yields a client
// whose every call fails, so callers fall back to the apology.
func NewClient(url, apiKey, model string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("assistant"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// Propose sends the message together with the merchant's metrics and
// profile, and splits the answer into reply text and the fenced proposal.
// POST <url>/chat/completions
func (c *Client) Propose(ctx context.Context, message string, metrics, profile map[string]any) (*domain.Proposal, error) {
	if c.url == "" {
		return nil, domain.Unavailable("ASSISTANT_UNAVAILABLE", "assistant endpoint not configured")
	}

	contextJSON, err := json.Marshal(map[string]any{"metrics": metrics, "profile": profile})
	if err != nil {
		return nil, domain.NewError(domain.ErrAssistantFailed, "failed to marshal context", "MARSHAL_ERROR")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "system", Content: "Merchant context: " + string(contextJSON)},
			{Role: "user", Content: message},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, domain.NewError(domain.ErrAssistantFailed, "failed to marshal request", "MARSHAL_ERROR")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewError(domain.ErrAssistantFailed, "failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.ErrAssistantFailed, "request failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewError(domain.ErrAssistantFailed, "failed to read response", "READ_ERROR")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewError(domain.ErrAssistantFailed,
			fmt.Sprintf("assistant returned status %d: %s", resp.StatusCode, truncate(string(raw), 200)),
			"ASSISTANT_ERROR")
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return nil, domain.NewError(domain.ErrAssistantFailed, "response carries no message content", "DECODE_ERROR")
	}
	return Parse(content.String()), nil
}

// Parse splits a completion into reply text and the first fenced JSON
// object. A block that does not decode is left in the reply.
func Parse(content string) *domain.Proposal {
	out := &domain.Proposal{Reply: strings.TrimSpace(content)}
	m := fencedJSON.FindStringSubmatchIndex(content)
	if m == nil {
		return out
	}
	var proposal map[string]any
	if err := json.Unmarshal([]byte(content[m[2]:m[3]]), &proposal); err != nil {
		return out
	}
	out.Proposal = proposal
	out.Reply = strings.TrimSpace(content[:m[0]] + content[m[1]:])
	if out.Reply == "" {
		out.Reply = "Here is a campaign proposal."
	}
	return out
}

// ProposeOrApologize never fails: any error is logged and replaced by the
// apology reply.
func ProposeOrApologize(ctx context.Context, p domain.Proposer, logger *zap.Logger, message string, metrics, profile map[string]any) *domain.Proposal {
	if p == nil {
		return &domain.Proposal{Reply: Apology}
	}
	proposal, err := p.Propose(ctx, message, metrics, profile)
	if err != nil || proposal == nil {
		if logger != nil {
			logger.Warn("assistant degraded to apology", zap.Error(err))
		}
		return &domain.Proposal{Reply: Apology}
	}
	return proposal
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
