// Package domain contains the core business entities and interfaces for the promo bridge.
// Ledger records are read-only projections: they are decoded on every read
// and never cached past a single request.
package domain

import (
	"time"

	"github.com/promotarget/promo-bridge/internal/chain"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

// GlobalConfig is the protocol-wide policy record.
type GlobalConfig struct {
	Address       chain.PublicKey `json:"address"`
	Admin         chain.PublicKey `json:"admin"`
	MaxResaleBps  uint16          `json:"max_resale_bps"`
	ServiceFeeBps uint16          `json:"service_fee_bps"`
}

// CampaignView is a decoded campaign record.
type CampaignView struct {
	Address               chain.PublicKey `json:"address"`
	Merchant              chain.PublicKey `json:"merchant"`
	CampaignID            uint64          `json:"campaign_id"`
	DiscountBps           uint16          `json:"discount_bps"`
	ServiceFeeBps         uint16          `json:"service_fee_bps"`
	ResaleBps             uint16          `json:"resale_bps"`
	ExpirationTimestamp   int64           `json:"expiration_timestamp"`
	TotalCoupons          uint32          `json:"total_coupons"`
	UsedCoupons           uint32          `json:"used_coupons"`
	MintedCoupons         uint32          `json:"minted_coupons"`
	MintCostLamports      uint64          `json:"mint_cost_lamports"`
	MaxDiscountLamports   uint64          `json:"max_discount_lamports"`
	CategoryCode          uint16          `json:"category_code"`
	ProductCode           uint16          `json:"product_code"`
	Name                  string          `json:"campaign_name"`
	RequiresWallet        bool            `json:"requires_wallet"`
	TargetWallet          chain.PublicKey `json:"target_wallet"`
	TotalPurchaseAmount   uint64          `json:"total_purchase_amount"`
	TotalDiscountLamports uint64          `json:"total_discount_lamports"`
	LastRedeemTimestamp   int64           `json:"last_redeem_timestamp"`
}

// Expired reports whether the campaign has an expiry that is already past.
func (c *CampaignView) Expired(now time.Time) bool {
	return c.ExpirationTimestamp > 0 && now.Unix() > c.ExpirationTimestamp
}

// CouponsLeft is how many coupons can still be minted.
func (c *CampaignView) CouponsLeft() uint32 {
	if c.MintedCoupons >= c.TotalCoupons {
		return 0
	}
	return c.TotalCoupons - c.MintedCoupons
}

// VaultView is a decoded campaign vault record.
type VaultView struct {
	Address           chain.PublicKey `json:"address"`
	Campaign          chain.PublicKey `json:"campaign"`
	Merchant          chain.PublicKey `json:"merchant"`
	Bump              uint8           `json:"bump"`
	TotalDeposit      uint64          `json:"total_deposit"`
	TotalMintSpent    uint64          `json:"total_mint_spent"`
	TotalServiceSpent uint64          `json:"total_service_spent"`
	Lamports          uint64          `json:"lamports"`
}

// CouponView is a decoded coupon record. A listed coupon is unusable by its
// owner until delisted or sold; a used coupon is terminal.
type CouponView struct {
	Address           chain.PublicKey `json:"address"`
	Campaign          chain.PublicKey `json:"campaign"`
	CouponIndex       uint64          `json:"coupon_index"`
	Owner             chain.PublicKey `json:"owner"`
	Used              bool            `json:"used"`
	Listed            bool            `json:"listed"`
	SalePriceLamports uint64          `json:"sale_price_lamports"`
	// LocallyUsed is the process-local flag set by mark-used.
	LocallyUsed bool `json:"locally_used"`
}

// CartItem is one line of a storefront cart.
type CartItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity,omitempty"`
}

// DiscountQuote is the redemption math for a purchase amount.
type DiscountQuote struct {
	PurchaseLamports   uint64 `json:"purchase_lamports"`
	DiscountLamports   uint64 `json:"discount_lamports"`
	ServiceFeeLamports uint64 `json:"service_fee_lamports"`
	ChargeLamports     uint64 `json:"charge_lamports"`
}

// NormalizedCoupon is a coupon that passed off-chain validation for an order.
type NormalizedCoupon struct {
	Coupon           CouponView     `json:"coupon"`
	Campaign         CampaignView   `json:"campaign"`
	CatalogProductID string         `json:"catalog_product_id,omitempty"`
	Quote            *DiscountQuote `json:"quote,omitempty"`
}

// PaymentMode selects how a payer completes a session.
type PaymentMode string

const (
	// ModeTransfer is a precomputed payment URI with recipient, amount and reference.
	ModeTransfer PaymentMode = "transfer"
	// ModeTransactionRequest is a URI the wallet calls back to fetch a built transaction.
	ModeTransactionRequest PaymentMode = "transaction-request"
	// ModeFiat is a card checkout through the fiat gateway.
	ModeFiat PaymentMode = "fiat"
)

// SessionStatus is a payment session state.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionConfirming SessionStatus = "confirming"
	SessionConfirmed  SessionStatus = "confirmed"
	SessionError      SessionStatus = "error"
)

// PaymentSession correlates a single-use reference key with a future payment.
type PaymentSession struct {
	Reference      chain.PublicKey  `json:"reference"`
	Recipient      chain.PublicKey  `json:"recipient"`
	AmountLamports uint64           `json:"amount_lamports"`
	Amount         string           `json:"amount"`
	Currency       string           `json:"currency"`
	Label          string           `json:"label,omitempty"`
	Message        string           `json:"message,omitempty"`
	PayerWallet    *chain.PublicKey `json:"payer_wallet,omitempty"`
	CouponAddress  *chain.PublicKey `json:"coupon_address,omitempty"`
	Quote          *DiscountQuote   `json:"quote,omitempty"`
	Cart           []CartItem       `json:"cart,omitempty"`
	Mode           PaymentMode      `json:"mode"`
	Status         SessionStatus    `json:"status"`
	URL            string           `json:"url"`
	Signature      string           `json:"signature,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	FiatPreference string           `json:"fiat_preference_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
}

// ListingStatus is a marketplace listing state.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
)

// Listing is a secondary-market offer for one coupon. At most one listing
// per coupon is active at a time.
type Listing struct {
	ID              string           `json:"id"`
	CampaignAddress chain.PublicKey  `json:"campaign_address"`
	CouponAddress   chain.PublicKey  `json:"coupon_address"`
	SellerWallet    chain.PublicKey  `json:"seller_wallet"`
	Price           string           `json:"price"`
	PriceLamports   uint64           `json:"price_lamports"`
	Currency        string           `json:"currency"`
	MaxResale       uint64           `json:"max_resale_lamports"`
	Status          ListingStatus    `json:"status"`
	BuyerWallet     *chain.PublicKey `json:"buyer_wallet,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	SoldAt          *time.Time       `json:"sold_at,omitempty"`
}

// CheckoutOrder is a fiat checkout request handed to the gateway.
type CheckoutOrder struct {
	Reference  string  `json:"reference"`
	Title      string  `json:"title"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	PayerEmail string  `json:"payer_email,omitempty"`
}

// CheckoutPreference is a created gateway checkout.
type CheckoutPreference struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// WebhookNotification represents an incoming webhook from Mercado Pago.
type WebhookNotification struct {
	ID          string `json:"id"`
	Type        string `json:"type"`         // "payment", "merchant_order", etc.
	Action      string `json:"action"`       // "payment.created", "payment.updated", etc.
	DataID      string `json:"data_id"`      // The ID of the resource (payment ID, etc.)
	LiveMode    bool   `json:"live_mode"`    // true for production
	DateCreated string `json:"date_created"` // ISO 8601 timestamp
}

// FiatPaymentStatus represents the status of a gateway payment after webhook processing.
type FiatPaymentStatus struct {
	PaymentID       string    `json:"payment_id"`
	Status          string    `json:"status"`        // "approved", "pending", "rejected", etc.
	StatusDetail    string    `json:"status_detail"` // More detailed status
	ExternalRef     string    `json:"external_ref"`  // The session reference
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	PayerEmail      string    `json:"payer_email"`
	TransactionDate time.Time `json:"transaction_date"`
}

// Proposal is the assistant's reply and an optional structured campaign suggestion.
type Proposal struct {
	Reply    string         `json:"reply"`
	Proposal map[string]any `json:"proposal,omitempty"`
}
