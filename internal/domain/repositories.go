// Package domain contains the core business entities and interfaces for the promo bridge.
package domain

import "context"

// FiatGateway defines the interface for interacting with the card payment provider.
// This abstracts away the details of Mercado Pago SDK usage.
type FiatGateway interface {
	// CreatePreference creates a checkout whose external reference is the session reference.
	// Returns the preference with the init_point URL for redirecting the payer.
	CreatePreference(ctx context.Context, order CheckoutOrder) (*CheckoutPreference, error)

	// GetPaymentInfo retrieves a payment announced by a webhook notification.
	GetPaymentInfo(ctx context.Context, paymentID string) (*FiatPaymentStatus, error)
}

// WebhookVerifier checks the signature headers of a gateway notification.
type WebhookVerifier interface {
	Validate(xSignature, xRequestID, dataID string) error
}

// Proposer is the text-completion collaborator. It either returns a reply,
// optionally with a structured proposal, or fails.
type Proposer interface {
	Propose(ctx context.Context, message string, metrics map[string]any, profile map[string]any) (*Proposal, error)
}
