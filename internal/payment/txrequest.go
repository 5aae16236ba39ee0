package payment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/rules"
)

// Metadata is what a wallet shows before it asks for the transaction.
type Metadata struct {
	Label string `json:"label"`
	Icon  string `json:"icon,omitempty"`
}

// TransactionRequestMetadata answers the GET leg of the transaction-request
// protocol.
func (s *Service) TransactionRequestMetadata() Metadata {
	return Metadata{Label: s.cfg.Label, Icon: s.cfg.Icon}
}

// Envelope is an unsigned, serialized transaction for the payer to sign.
type Envelope struct {
	Transaction string                `json:"transaction"`
	Message     string                `json:"message,omitempty"`
	Quote       *domain.DiscountQuote `json:"quote,omitempty"`
}

// BuildTransaction answers the POST leg of the transaction-request protocol
// for account, the wallet that will sign and pay. The envelope holds, in
// order, the redemption of the session's coupon (when it has one) and the
// transfer of the charge to the recipient tagged with the reference key.
// A successful build moves the session to confirming; a rejected coupon
// moves it to error. Neither status gates confirmation.
func (s *Service) BuildTransaction(ctx context.Context, reference, account chain.PublicKey) (*Envelope, error) {
	session, ok := s.sessions.Get(reference)
	if !ok {
		return nil, sessionNotFound(reference)
	}
	if session.Mode != domain.ModeTransactionRequest {
		return nil, domain.Validation("WRONG_MODE", "session %s is a %s session", reference, session.Mode)
	}
	if session.Status == domain.SessionConfirmed {
		return nil, domain.Conflict("SESSION_CONFIRMED", "session %s is already paid", reference)
	}
	if session.PayerWallet != nil && *session.PayerWallet != account {
		return nil, domain.Validation("PAYER_MISMATCH", "session %s is reserved for %s", reference, *session.PayerWallet)
	}

	var ixs []chain.Instruction
	charge := session.AmountLamports
	var quote *domain.DiscountQuote
	if session.CouponAddress != nil {
		ix, q, err := s.redemption(ctx, *session.CouponAddress, account, session.AmountLamports, nil, session.Cart)
		if err != nil {
			s.fail(reference, err)
			return nil, err
		}
		ixs = append(ixs, ix)
		quote = q
		charge = q.ChargeLamports
	}
	ixs = append(ixs, chain.TransferInstruction(account, session.Recipient, charge, reference))

	tx, err := s.assemble(ctx, ixs, account)
	if err != nil {
		return nil, err
	}
	s.sessions.Update(reference, func(cur *domain.PaymentSession) (*domain.PaymentSession, error) {
		if cur.Status == domain.SessionConfirmed {
			return cur, nil
		}
		next := clone(cur)
		next.Status = domain.SessionConfirming
		next.LastError = ""
		next.UpdatedAt = s.now().UTC()
		if quote != nil {
			next.Quote = quote
		}
		return next, nil
	})
	s.logger.Info("transaction request served",
		zap.Stringer("reference", reference),
		zap.Stringer("account", account),
		zap.Int("instructions", len(ixs)),
		zap.Uint64("charge_lamports", charge))
	return &Envelope{Transaction: tx, Message: session.Label, Quote: quote}, nil
}

// fail records a rejected build. The session stays open for another try.
func (s *Service) fail(reference chain.PublicKey, cause error) {
	s.sessions.Update(reference, func(cur *domain.PaymentSession) (*domain.PaymentSession, error) {
		if cur.Status == domain.SessionConfirmed {
			return cur, nil
		}
		next := clone(cur)
		next.Status = domain.SessionError
		next.LastError = cause.Error()
		next.UpdatedAt = s.now().UTC()
		return next, nil
	})
}

// RedeemRequest asks for a standalone redemption envelope.
type RedeemRequest struct {
	Coupon           chain.PublicKey   `json:"coupon_address"`
	User             chain.PublicKey   `json:"user_wallet"`
	PurchaseLamports uint64            `json:"purchase_amount"`
	ProductCode      *uint16           `json:"product_code,omitempty"`
	Cart             []domain.CartItem `json:"cart,omitempty"`
}

// RedemptionTransaction builds an unsigned envelope holding only the
// redeem_coupon instruction, with the user as fee payer.
func (s *Service) RedemptionTransaction(ctx context.Context, req RedeemRequest) (*Envelope, error) {
	if req.PurchaseLamports == 0 {
		return nil, domain.Validation("INVALID_AMOUNT", "purchase_amount must be greater than 0")
	}
	ix, quote, err := s.redemption(ctx, req.Coupon, req.User, req.PurchaseLamports, req.ProductCode, req.Cart)
	if err != nil {
		return nil, err
	}
	tx, err := s.assemble(ctx, []chain.Instruction{ix}, req.User)
	if err != nil {
		return nil, err
	}
	return &Envelope{Transaction: tx, Quote: quote}, nil
}

// redemption re-validates coupon for user against live records and builds
// its redeem instruction. Without an explicit product code the campaign's
// current one is used.
func (s *Service) redemption(ctx context.Context, coupon, user chain.PublicKey, purchase uint64, productCode *uint16, cart []domain.CartItem) (chain.Instruction, *domain.DiscountQuote, error) {
	if s.rules == nil || s.redeemer == nil {
		return chain.Instruction{}, nil, domain.Unavailable("REDEMPTION_UNAVAILABLE", "coupon redemption is not configured")
	}
	n, err := s.rules.ValidateCouponForOrder(ctx, coupon, &user, cart)
	if err != nil {
		return chain.Instruction{}, nil, err
	}
	code := n.Campaign.ProductCode
	if productCode != nil {
		code = *productCode
	}
	if err := rules.CheckRedemption(n, code); err != nil {
		return chain.Instruction{}, nil, err
	}
	treasury, err := s.treasury.Treasury(ctx)
	if err != nil {
		return chain.Instruction{}, nil, err
	}
	ix, err := s.redeemer.RedeemCoupon(user, &n.Coupon, purchase, code, treasury)
	if err != nil {
		return chain.Instruction{}, nil, err
	}
	quote := rules.QuoteDiscount(&n.Campaign, purchase)
	return ix, &quote, nil
}

// assemble compiles ixs against a fresh blockhash and serializes the
// unsigned result.
func (s *Service) assemble(ctx context.Context, ixs []chain.Instruction, feePayer chain.PublicKey) (string, error) {
	bh, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := chain.Assemble(ixs, feePayer, bh.Hash)
	if err != nil {
		return "", fmt.Errorf("assemble: %w", err)
	}
	return tx.SerializeBase64()
}
