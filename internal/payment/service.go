// Package payment implements the payment session state machine: a session
// correlates a single-use reference key with the ledger transfer (or card
// payment) that settles an order.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/kvstore"
	"github.com/promotarget/promo-bridge/internal/rules"
)

// Ledger is the part of the RPC client sessions need.
type Ledger interface {
	GetLatestBlockhash(ctx context.Context) (*chain.Blockhash, error)
	FindReference(ctx context.Context, reference chain.PublicKey) (*chain.SignatureInfo, error)
}

// CouponRules re-validates a coupon right before it is redeemed.
type CouponRules interface {
	ValidateCouponForOrder(ctx context.Context, coupon chain.PublicKey, payer *chain.PublicKey, cart []domain.CartItem) (*domain.NormalizedCoupon, error)
}

// Redeemer builds the program's redeem_coupon instruction.
type Redeemer interface {
	RedeemCoupon(user chain.PublicKey, coupon *domain.CouponView, purchaseLamports uint64, productCode uint16, treasury chain.PublicKey) (chain.Instruction, error)
}

// Treasury resolves the wallet that collects service fees.
type Treasury interface {
	Treasury(ctx context.Context) (chain.PublicKey, error)
}

// Observer is told about session transitions.
type Observer interface {
	SessionCreated(mode domain.PaymentMode)
	SessionConfirmed(mode domain.PaymentMode)
}

// Config holds the merchant-facing settings of the checkout.
type Config struct {
	// Recipient receives every ledger payment.
	Recipient chain.PublicKey
	Label     string
	Message   string
	Icon      string
	// BaseURL is the public https origin wallets call back for mode B.
	BaseURL       string
	TxRequestPath string
	// SessionTTL bounds how long a session is kept; zero keeps sessions forever.
	SessionTTL  time.Duration
	MaxSessions int
	// FiatCurrency and FiatPerSOL price card checkouts.
	FiatCurrency string
	FiatPerSOL   decimal.Decimal
}

// Service owns the process-wide session map.
type Service struct {
	cfg      Config
	ledger   Ledger
	rules    CouponRules
	redeemer Redeemer
	treasury Treasury
	gateway  domain.FiatGateway
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	sessions *kvstore.Map[chain.PublicKey, *domain.PaymentSession]
}

// NewService creates a payment service. gateway may be nil, which disables
// the fiat mode; observer and logger may be nil.
func NewService(
	cfg Config,
	ledger Ledger,
	rules CouponRules,
	redeemer Redeemer,
	treasury Treasury,
	gateway domain.FiatGateway,
	observer Observer,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TxRequestPath == "" {
		cfg.TxRequestPath = "/api/v1/payment/tx-request"
	}
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		rules:    rules,
		redeemer: redeemer,
		treasury: treasury,
		gateway:  gateway,
		observer: observer,
		logger:   logger.Named("payment"),
		now:      time.Now,
		sessions: kvstore.New[chain.PublicKey, *domain.PaymentSession](cfg.MaxSessions),
	}
}

// CreateRequest starts a session.
type CreateRequest struct {
	// Amount is the purchase amount in SOL.
	Amount        decimal.Decimal    `json:"amount"`
	PayerWallet   *chain.PublicKey   `json:"payer_wallet,omitempty"`
	CouponAddress *chain.PublicKey   `json:"coupon_address,omitempty"`
	Cart          []domain.CartItem  `json:"cart,omitempty"`
	Mode          domain.PaymentMode `json:"mode"`
	Label         string             `json:"label,omitempty"`
	Message       string             `json:"message,omitempty"`
	PayerEmail    string             `json:"payer_email,omitempty"`
}

// Create handles the session start:
// 1. Validates the amount and mode
// 2. Quotes the coupon discount, when a coupon is attached
// 3. Generates a fresh reference key
// 4. Builds the payment URI for the mode and stores the pending session
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.PaymentSession, error) {
	if req.Mode == "" {
		req.Mode = domain.ModeTransfer
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}
	amount, err := domain.SOLToLamports(req.Amount)
	if err != nil {
		return nil, domain.Validation("INVALID_AMOUNT", "%v", err)
	}

	var quote *domain.DiscountQuote
	if req.CouponAddress != nil {
		n, err := s.rules.ValidateCouponForOrder(ctx, *req.CouponAddress, req.PayerWallet, req.Cart)
		if err != nil {
			return nil, err
		}
		q := rules.QuoteDiscount(&n.Campaign, amount)
		quote = &q
	}
	charge := amount
	if quote != nil {
		charge = quote.ChargeLamports
	}

	kp, err := chain.NewKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate reference: %w", err)
	}
	now := s.now().UTC()
	session := &domain.PaymentSession{
		Reference:      kp.PublicKey,
		Recipient:      s.cfg.Recipient,
		AmountLamports: amount,
		Amount:         domain.LamportsToSOL(amount).String(),
		Currency:       "SOL",
		Label:          firstNonEmpty(req.Label, s.cfg.Label),
		Message:        firstNonEmpty(req.Message, s.cfg.Message),
		PayerWallet:    req.PayerWallet,
		CouponAddress:  req.CouponAddress,
		Quote:          quote,
		Cart:           req.Cart,
		Mode:           req.Mode,
		Status:         domain.SessionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch req.Mode {
	case domain.ModeTransfer:
		session.URL = transferURL(session.Recipient, charge, session.Reference, session.Label, session.Message)
	case domain.ModeTransactionRequest:
		session.URL = transactionRequestURL(s.cfg.BaseURL, s.cfg.TxRequestPath, session.Reference)
	case domain.ModeFiat:
		if err := s.startFiat(ctx, session, charge, req.PayerEmail); err != nil {
			return nil, err
		}
	}

	if err := s.sessions.Insert(session.Reference, session); err != nil {
		if errors.Is(err, kvstore.ErrFull) {
			return nil, domain.NewError(domain.ErrCapacity,
				fmt.Sprintf("too many open payment sessions (limit %d)", s.cfg.MaxSessions), "SESSION_LIMIT")
		}
		return nil, fmt.Errorf("store session: %w", err)
	}
	if s.observer != nil {
		s.observer.SessionCreated(session.Mode)
	}
	s.logger.Info("payment session created",
		zap.Stringer("reference", session.Reference),
		zap.String("mode", string(session.Mode)),
		zap.Uint64("amount_lamports", amount),
		zap.Uint64("charge_lamports", charge))
	return clone(session), nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	switch req.Mode {
	case domain.ModeTransfer, domain.ModeTransactionRequest, domain.ModeFiat:
	default:
		return domain.Validation("INVALID_MODE", "unknown payment mode %q", req.Mode)
	}
	if !req.Amount.IsPositive() {
		return domain.Validation("INVALID_AMOUNT", "amount must be greater than 0")
	}
	if req.CouponAddress != nil && req.Mode != domain.ModeTransactionRequest {
		return domain.Validation("COUPON_NEEDS_TRANSACTION_REQUEST",
			"coupons can only be redeemed in %s mode", domain.ModeTransactionRequest)
	}
	if req.Mode != domain.ModeFiat && s.cfg.Recipient.IsZero() {
		return domain.Unavailable("RECIPIENT_UNAVAILABLE", "payment recipient is not configured")
	}
	if req.Mode == domain.ModeTransactionRequest && s.cfg.BaseURL == "" {
		return domain.Unavailable("BASE_URL_UNAVAILABLE", "public base URL is not configured")
	}
	return nil
}

// Get returns a snapshot of a session.
func (s *Service) Get(reference chain.PublicKey) (*domain.PaymentSession, error) {
	session, ok := s.sessions.Get(reference)
	if !ok {
		return nil, sessionNotFound(reference)
	}
	return clone(session), nil
}

// Poll checks the ledger for a confirmed transaction that mentions the
// session's reference. A confirmed session is returned as is, without a
// remote call. Lookup failures other than "not found yet" are recorded in
// LastError and leave the status alone.
func (s *Service) Poll(ctx context.Context, reference chain.PublicKey) (*domain.PaymentSession, error) {
	session, ok := s.sessions.Get(reference)
	if !ok {
		return nil, sessionNotFound(reference)
	}
	if session.Status == domain.SessionConfirmed || session.Mode == domain.ModeFiat {
		return clone(session), nil
	}

	info, err := s.ledger.FindReference(ctx, reference)
	switch {
	case errors.Is(err, chain.ErrReferenceNotFound):
		return s.touch(reference, "")
	case err != nil:
		s.logger.Warn("reference lookup failed", zap.Stringer("reference", reference), zap.Error(err))
		return s.touch(reference, err.Error())
	}
	return s.confirm(reference, info.Signature)
}

// touch records the outcome of a lookup that did not confirm the session.
func (s *Service) touch(reference chain.PublicKey, lastError string) (*domain.PaymentSession, error) {
	updated, ok, _ := s.sessions.Update(reference, func(cur *domain.PaymentSession) (*domain.PaymentSession, error) {
		next := clone(cur)
		next.LastError = lastError
		next.UpdatedAt = s.now().UTC()
		return next, nil
	})
	if !ok {
		return nil, sessionNotFound(reference)
	}
	return clone(updated), nil
}

// confirm moves a session to confirmed once. Later calls keep the first
// signature.
func (s *Service) confirm(reference chain.PublicKey, signature string) (*domain.PaymentSession, error) {
	transitioned := false
	updated, ok, _ := s.sessions.Update(reference, func(cur *domain.PaymentSession) (*domain.PaymentSession, error) {
		if cur.Status == domain.SessionConfirmed {
			return cur, nil
		}
		now := s.now().UTC()
		next := clone(cur)
		next.Status = domain.SessionConfirmed
		next.Signature = signature
		next.LastError = ""
		next.UpdatedAt = now
		next.ConfirmedAt = &now
		transitioned = true
		return next, nil
	})
	if !ok {
		return nil, sessionNotFound(reference)
	}
	if transitioned {
		if s.observer != nil {
			s.observer.SessionConfirmed(updated.Mode)
		}
		s.logger.Info("payment session confirmed",
			zap.Stringer("reference", reference),
			zap.String("signature", signature))
	}
	return clone(updated), nil
}

// Sweep drops sessions created more than the TTL before now and reports
// how many went.
func (s *Service) Sweep(now time.Time) int {
	if s.cfg.SessionTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.SessionTTL)
	return s.sessions.DeleteFunc(func(_ chain.PublicKey, v *domain.PaymentSession) bool {
		return v.CreatedAt.Before(cutoff)
	})
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s.cfg.SessionTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Info("expired payment sessions dropped", zap.Int("count", n), zap.Int("open", s.sessions.Len()))
			}
		}
	}
}

// Len is the number of retained sessions.
func (s *Service) Len() int { return s.sessions.Len() }

func sessionNotFound(reference chain.PublicKey) error {
	return domain.NotFound("SESSION_NOT_FOUND", "no payment session for reference %s", reference)
}

func clone(p *domain.PaymentSession) *domain.PaymentSession {
	cp := *p
	if p.Quote != nil {
		q := *p.Quote
		cp.Quote = &q
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
