// Package mercadopago implements the domain.FiatGateway interface using the official SDK.
package mercadopago

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/promotarget/promo-bridge/internal/domain"
)

type preferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type paymentGetter interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
}

// Options configures the checkout the adapter creates.
type Options struct {
	AccessToken string
	// NotificationURL is where Mercado Pago posts webhooks.
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	// Currency defaults to ARS.
	Currency string
}

// Adapter implements domain.FiatGateway with one merchant account.
type Adapter struct {
	opts        Options
	preferences preferenceCreator
	payments    paymentGetter
}

// NewAdapter creates a new Mercado Pago adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	cfg, err := config.New(opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create MP config: %w", err)
	}
	return newAdapter(opts, preference.NewClient(cfg), payment.NewClient(cfg)), nil
}

func newAdapter(opts Options, preferences preferenceCreator, payments paymentGetter) *Adapter {
	if opts.Currency == "" {
		opts.Currency = "ARS"
	}
	return &Adapter{opts: opts, preferences: preferences, payments: payments}
}

// CreatePreference creates a Checkout Pro preference. The order reference
// becomes the external reference echoed back on every payment.
func (a *Adapter) CreatePreference(ctx context.Context, order domain.CheckoutOrder) (*domain.CheckoutPreference, error) {
	currency := order.Currency
	if currency == "" {
		currency = a.opts.Currency
	}
	request := preference.Request{
		Items: []preference.ItemRequest{
			{
				ID:         order.Reference,
				Title:      order.Title,
				Quantity:   1,
				UnitPrice:  order.Amount,
				CurrencyID: currency,
			},
		},
		ExternalReference: order.Reference,
		NotificationURL:   a.opts.NotificationURL,
	}
	if order.PayerEmail != "" {
		request.Payer = &preference.PayerRequest{Email: order.PayerEmail}
	}
	if a.opts.SuccessURL != "" {
		request.AutoReturn = "approved"
		request.BackURLs = &preference.BackURLsRequest{
			Success: a.opts.SuccessURL,
			Failure: a.opts.FailureURL,
			Pending: a.opts.PendingURL,
		}
	}

	result, err := a.preferences.Create(ctx, request)
	if err != nil {
		return nil, domain.NewError(domain.ErrPaymentGatewayError,
			"failed to create preference: "+err.Error(), "MP_PREFERENCE_ERROR")
	}
	return &domain.CheckoutPreference{ID: result.ID, InitPoint: result.InitPoint}, nil
}

// GetPaymentInfo retrieves payment details from Mercado Pago.
func (a *Adapter) GetPaymentInfo(ctx context.Context, paymentID string) (*domain.FiatPaymentStatus, error) {
	id, err := strconv.Atoi(paymentID)
	if err != nil {
		return nil, domain.Validation("INVALID_PAYMENT_ID", "invalid payment ID format %q", paymentID)
	}

	result, err := a.payments.Get(ctx, id)
	if err != nil {
		return nil, domain.NewError(domain.ErrPaymentGatewayError,
			"failed to get payment info: "+err.Error(), "MP_PAYMENT_ERROR")
	}

	dateApproved := result.DateApproved
	if dateApproved.IsZero() {
		dateApproved = time.Now()
	}
	return &domain.FiatPaymentStatus{
		PaymentID:       paymentID,
		Status:          result.Status,
		StatusDetail:    result.StatusDetail,
		ExternalRef:     result.ExternalReference,
		Amount:          result.TransactionAmount,
		Currency:        result.CurrencyID,
		PayerEmail:      result.Payer.Email,
		TransactionDate: dateApproved,
	}, nil
}
