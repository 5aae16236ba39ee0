// Package mercadopago provides Mercado Pago webhook signature validation.
package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// WebhookValidator validates Mercado Pago webhook signatures with the
// account's webhook secret.
type WebhookValidator struct {
	secret []byte
}

// NewWebhookValidator creates a new webhook validator.
func NewWebhookValidator(secret string) *WebhookValidator {
	return &WebhookValidator{secret: []byte(secret)}
}

// Validate implements domain.WebhookVerifier.
// See: https://www.mercadopago.com.ar/developers/es/docs/your-integrations/notifications/webhooks
//
// The x-signature header carries ts=<timestamp>,v1=<hex hmac>; the HMAC-SHA256
// covers id:<data.id>;request-id:<x-request-id>;ts:<timestamp>; with absent
// parts left out.
func (v *WebhookValidator) Validate(xSignature, xRequestID, dataID string) error {
	if xSignature == "" {
		return invalidSignature("missing x-signature header")
	}
	ts, digest := signatureParts(xSignature)
	if ts == "" || digest == "" {
		return invalidSignature("x-signature must carry ts and v1")
	}
	want := v.sign(signedManifest(dataID, xRequestID, ts))
	if !hmac.Equal([]byte(strings.ToLower(digest)), []byte(want)) {
		return invalidSignature("invalid x-signature")
	}
	return nil
}

func (v *WebhookValidator) sign(manifest string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func invalidSignature(msg string) error {
	return domain.NewError(domain.ErrWebhookValidationFailed, msg, "INVALID_SIGNATURE")
}

// signatureParts reads the ts and v1 entries of a comma separated
// key=value header. Unknown keys are ignored.
func signatureParts(header string) (ts, digest string) {
	for _, field := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			digest = strings.TrimSpace(value)
		}
	}
	return ts, digest
}

func signedManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	for _, part := range [][2]string{{"id", dataID}, {"request-id", requestID}, {"ts", ts}} {
		if part[1] == "" {
			continue
		}
		b.WriteString(part[0])
		b.WriteByte(':')
		b.WriteString(part[1])
		b.WriteByte(';')
	}
	return b.String()
}
