package payment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// FiatSignaturePrefix marks signatures of sessions settled by card.
const FiatSignaturePrefix = "mp:"

// startFiat creates the gateway checkout for session. The session URI is
// the checkout's init point and its external reference is the session key.
func (s *Service) startFiat(ctx context.Context, session *domain.PaymentSession, chargeLamports uint64, payerEmail string) error {
	if s.gateway == nil {
		return domain.Unavailable("FIAT_UNAVAILABLE", "fiat checkout unavailable")
	}
	if !s.cfg.FiatPerSOL.IsPositive() {
		return domain.Unavailable("FIAT_UNAVAILABLE", "fiat checkout unavailable: no SOL exchange rate configured")
	}
	fiat := domain.LamportsToSOL(chargeLamports).Mul(s.cfg.FiatPerSOL).Round(2)
	order := domain.CheckoutOrder{
		Reference:  session.Reference.String(),
		Title:      firstNonEmpty(session.Label, "Order "+session.Reference.String()),
		Amount:     fiat.InexactFloat64(),
		Currency:   s.cfg.FiatCurrency,
		PayerEmail: payerEmail,
	}
	pref, err := s.gateway.CreatePreference(ctx, order)
	if err != nil {
		s.logger.Error("failed to create checkout preference", zap.Stringer("reference", session.Reference), zap.Error(err))
		return domain.NewError(domain.ErrPaymentGatewayError, "failed to create payment preference", "GATEWAY_ERROR")
	}
	session.URL = pref.InitPoint
	session.FiatPreference = pref.ID
	session.Amount = fiat.StringFixed(2)
	session.Currency = s.cfg.FiatCurrency
	return nil
}

// ConfirmFiat handles a gateway notification. Only approved payments whose
// external reference names a fiat session confirm it; everything else is
// acknowledged and ignored. The returned session is nil when nothing changed.
func (s *Service) ConfirmFiat(ctx context.Context, notification domain.WebhookNotification) (*domain.PaymentSession, error) {
	if notification.Type != "payment" {
		s.logger.Debug("ignoring webhook", zap.String("type", notification.Type))
		return nil, nil
	}
	if s.gateway == nil {
		return nil, domain.Unavailable("FIAT_UNAVAILABLE", "fiat checkout unavailable")
	}
	status, err := s.gateway.GetPaymentInfo(ctx, notification.DataID)
	if err != nil {
		return nil, domain.NewError(domain.ErrPaymentGatewayError, "failed to get payment info", "WEBHOOK_GATEWAY_ERROR")
	}
	s.logger.Info("webhook payment fetched",
		zap.String("payment_id", status.PaymentID),
		zap.String("status", status.Status),
		zap.String("external_reference", status.ExternalRef))
	if status.Status != "approved" {
		return nil, nil
	}

	reference, err := chain.ParsePublicKey(status.ExternalRef)
	if err != nil {
		return nil, domain.Validation("INVALID_EXTERNAL_REFERENCE", "payment %s has external reference %q: %v",
			status.PaymentID, status.ExternalRef, err)
	}
	session, ok := s.sessions.Get(reference)
	if !ok {
		return nil, sessionNotFound(reference)
	}
	if session.Mode != domain.ModeFiat {
		return nil, domain.Validation("WRONG_MODE", "session %s is a %s session", reference, session.Mode)
	}
	return s.confirm(reference, fmt.Sprintf("%s%s", FiatSignaturePrefix, status.PaymentID))
}
