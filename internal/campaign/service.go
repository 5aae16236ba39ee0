// Package campaign implements the server-signed flows: bootstrapping the
// global config, creating campaigns and minting coupons.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/promo"
	"github.com/promotarget/promo-bridge/internal/rules"
)

// MaxNameLength is the longest campaign name the program stores, in bytes.
const MaxNameLength = 64

// Submitter is the write side of the RPC client.
type Submitter interface {
	GetLatestBlockhash(ctx context.Context) (*chain.Blockhash, error)
	SendAndConfirmTransaction(ctx context.Context, tx *chain.Transaction) (string, error)
}

// Observer is told about every submission.
type Observer interface {
	ObserveSubmission(operation string, err error)
}

// Settings are the defaults used when the server bootstraps the program.
type Settings struct {
	MaxResaleBps  uint16
	ServiceFeeBps uint16
	// Treasury receives mint costs and service fees. Zero means the config admin.
	Treasury chain.PublicKey
}

// Service submits merchant-authority transactions signed by the server key.
type Service struct {
	program  *promo.Program
	ledger   Submitter
	signer   *chain.Keypair
	settings Settings
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	// mintMu serializes mints so two requests never claim the same index.
	mintMu sync.Mutex
}

// NewService creates the campaign service. signer may be nil, in which case
// every write answers with a configuration error.
func NewService(program *promo.Program, ledger Submitter, signer *chain.Keypair, settings Settings, observer Observer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		program:  program,
		ledger:   ledger,
		signer:   signer,
		settings: settings,
		observer: observer,
		logger:   logger.Named("campaign"),
		now:      time.Now,
	}
}

// Authority is the server signing address, or false when none is loaded.
func (s *Service) Authority() (chain.PublicKey, bool) {
	if s.signer == nil {
		return chain.PublicKey{}, false
	}
	return s.signer.PublicKey, true
}

func (s *Service) requireSigner() error {
	if s.signer == nil {
		return domain.Unavailable("SIGNER_UNAVAILABLE", "server signing key is not configured")
	}
	return nil
}

// submit assembles instructions against a fresh blockhash, signs with the
// server key and waits for confirmation.
func (s *Service) submit(ctx context.Context, op string, ixs ...chain.Instruction) (string, error) {
	bh, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: latest blockhash: %w", op, err)
	}
	tx, err := chain.Assemble(ixs, s.signer.PublicKey, bh.Hash)
	if err != nil {
		return "", fmt.Errorf("%s: assemble: %w", op, err)
	}
	if err := tx.Sign(s.signer); err != nil {
		return "", fmt.Errorf("%s: sign: %w", op, err)
	}
	sig, err := s.ledger.SendAndConfirmTransaction(ctx, tx)
	if s.observer != nil {
		s.observer.ObserveSubmission(op, err)
	}
	if err != nil {
		s.logger.Warn("submission failed", zap.String("op", op), zap.String("signature", sig), zap.Error(err))
		return sig, s.program.ExplainFailure(op, err)
	}
	s.logger.Info("submission confirmed", zap.String("op", op), zap.String("signature", sig))
	return sig, nil
}

// ConfigResult reports the global config and, when this call created it,
// the signature of the creating transaction.
type ConfigResult struct {
	Config    *domain.GlobalConfig `json:"config"`
	Signature string               `json:"signature,omitempty"`
}

// EnsureConfig reads the global config, creating it with the server key as
// admin when it does not exist yet.
func (s *Service) EnsureConfig(ctx context.Context) (*ConfigResult, error) {
	cfg, err := s.program.FetchConfig(ctx)
	if err == nil {
		return &ConfigResult{Config: cfg}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return s.initializeConfig(ctx)
}

func (s *Service) initializeConfig(ctx context.Context) (*ConfigResult, error) {
	if err := s.requireSigner(); err != nil {
		return nil, err
	}
	ix, err := s.program.InitializeConfig(s.signer.PublicKey, s.settings.MaxResaleBps, s.settings.ServiceFeeBps)
	if err != nil {
		return nil, err
	}
	sig, err := s.submit(ctx, "initialize_config", ix)
	if err != nil {
		return nil, err
	}
	addr, _ := s.program.Addresses().Config()
	return &ConfigResult{
		Config: &domain.GlobalConfig{
			Address:       addr,
			Admin:         s.signer.PublicKey,
			MaxResaleBps:  s.settings.MaxResaleBps,
			ServiceFeeBps: s.settings.ServiceFeeBps,
		},
		Signature: sig,
	}, nil
}

// CreateRequest is a new campaign plus an optional first coupon recipient.
type CreateRequest struct {
	promo.CampaignParams
	MintTo *chain.PublicKey `json:"mint_to,omitempty"`
}

// CreateResult reports each step that completed.
type CreateResult struct {
	Campaign   chain.PublicKey   `json:"campaign"`
	Vault      chain.PublicKey   `json:"vault"`
	CampaignID uint64            `json:"campaign_id"`
	Signature  string            `json:"signature"`
	Steps      map[string]string `json:"steps"`
	Coupon     *MintResult       `json:"coupon,omitempty"`
}

func validateParams(p promo.CampaignParams) error {
	switch {
	case p.DiscountBps > domain.BpsDenominator:
		return domain.Validation("INVALID_BPS", "discount_bps must be at most %d", domain.BpsDenominator)
	case p.ResaleBps > domain.BpsDenominator:
		return domain.Validation("INVALID_BPS", "resale_bps must be at most %d", domain.BpsDenominator)
	case p.TotalCoupons == 0:
		return domain.Validation("INVALID_TOTAL_COUPONS", "total_coupons must be positive")
	case p.MintCostLamports == 0:
		return domain.Validation("INVALID_MINT_COST", "mint_cost_lamports must be positive")
	case p.MaxDiscountLamports == 0:
		return domain.Validation("INVALID_MAX_DISCOUNT", "max_discount_lamports must be positive")
	case p.DepositLamports == 0:
		return domain.Validation("INVALID_DEPOSIT_AMOUNT", "deposit_amount must be positive")
	case len(p.Name) > MaxNameLength:
		return domain.Validation("NAME_TOO_LONG", "campaign_name is %d bytes, at most %d allowed", len(p.Name), MaxNameLength)
	case p.RequiresWallet && p.TargetWallet.IsZero():
		return domain.Validation("TARGET_WALLET_REQUIRED", "requires_wallet needs a target_wallet")
	}
	return nil
}

// Create validates the campaign, makes sure the global config exists,
// submits the creation and optionally mints a first coupon. When a later
// step fails after an earlier one was written, the error carries the
// completed steps so the caller can resume instead of repeating them.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.requireSigner(); err != nil {
		return nil, err
	}
	params := req.CampaignParams
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if params.CampaignID == 0 {
		params.CampaignID = uint64(s.now().UnixMilli())
	}
	if params.ExpirationTimestamp <= s.now().Unix() {
		return nil, domain.Validation(rules.CodeExpired, "expiration_timestamp must be in the future")
	}

	// A missing config is created with the configured maximum, so the
	// resale check holds against it before anything is written.
	maxResale := s.settings.MaxResaleBps
	current, err := s.program.FetchConfig(ctx)
	configMissing := errors.Is(err, domain.ErrNotFound)
	switch {
	case err == nil:
		maxResale = current.MaxResaleBps
	case !configMissing:
		return nil, err
	}
	if params.ResaleBps > maxResale {
		return nil, domain.Validation("INVALID_BPS", "resale_bps %d exceeds the protocol maximum of %d",
			params.ResaleBps, maxResale).WithDetail("max_resale_bps", maxResale)
	}

	ix, campaignAddr, vaultAddr, err := s.program.CreateCampaign(s.signer.PublicKey, params)
	if err != nil {
		return nil, err
	}
	if existing, err := s.program.FetchCampaign(ctx, campaignAddr); err == nil {
		return nil, domain.Conflict("CAMPAIGN_EXISTS", "campaign %d already exists at %s", existing.CampaignID, existing.Address).
			WithDetail("campaign", existing.Address.String())
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	steps := make(map[string]string)
	if configMissing {
		cfg, err := s.initializeConfig(ctx)
		if err != nil {
			return nil, err
		}
		steps["initialize_config"] = cfg.Signature
	}

	sig, err := s.submit(ctx, "create_campaign", ix)
	if err != nil {
		if len(steps) > 0 {
			return nil, partialFailure(err, "global config initialized but campaign creation failed", steps, "create_campaign")
		}
		return nil, err
	}
	steps["create_campaign"] = sig
	result := &CreateResult{
		Campaign:   campaignAddr,
		Vault:      vaultAddr,
		CampaignID: params.CampaignID,
		Signature:  sig,
		Steps:      steps,
	}
	if req.MintTo == nil {
		return result, nil
	}

	minted, err := s.Mint(ctx, MintRequest{Campaign: campaignAddr, Recipient: *req.MintTo})
	if err != nil {
		return nil, partialFailure(err,
			fmt.Sprintf("campaign %s created but minting to %s failed", campaignAddr, *req.MintTo),
			steps, "mint_coupon").WithDetail("campaign", campaignAddr.String())
	}
	steps["mint_coupon"] = minted.Signature
	result.Coupon = minted
	return result, nil
}

// MintRequest names the campaign and the wallet receiving the coupon.
type MintRequest struct {
	Campaign  chain.PublicKey `json:"campaign"`
	Recipient chain.PublicKey `json:"recipient"`
}

// MintResult is a minted coupon.
type MintResult struct {
	Coupon    chain.PublicKey `json:"coupon"`
	Index     uint64          `json:"coupon_index"`
	Recipient chain.PublicKey `json:"recipient"`
	Signature string          `json:"signature"`
}

// Mint issues the next coupon of a campaign to a wallet. A wallet holds at
// most one unused coupon per campaign.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	if err := s.requireSigner(); err != nil {
		return nil, err
	}
	s.mintMu.Lock()
	defer s.mintMu.Unlock()

	c, err := s.program.FetchCampaign(ctx, req.Campaign)
	if err != nil {
		return nil, err
	}
	if c.Merchant != s.signer.PublicKey {
		return nil, domain.Validation("NOT_MERCHANT", "campaign %s is not managed by this server", c.Address)
	}
	if c.CouponsLeft() == 0 {
		return nil, domain.Validation(rules.CodeNoCouponsLeft, "campaign %s has minted all %d coupons", c.Address, c.TotalCoupons)
	}
	if c.RequiresWallet && req.Recipient != c.TargetWallet {
		return nil, domain.Validation(rules.CodeNotEligible, "campaign %s only issues coupons to %s", c.Address, c.TargetWallet)
	}

	held, err := s.program.Coupons(ctx, &c.Address, &req.Recipient)
	if err != nil {
		return nil, err
	}
	for _, h := range held {
		if !h.Used {
			return nil, domain.Conflict("COUPON_ALREADY_HELD", "%s already holds coupon %s of this campaign", req.Recipient, h.Address).
				WithDetail("coupon", h.Address.String())
		}
	}

	treasury, err := s.Treasury(ctx)
	if err != nil {
		return nil, err
	}
	index := uint64(c.MintedCoupons)
	ix, couponAddr, err := s.program.MintCoupon(s.signer.PublicKey, c, index, req.Recipient, treasury)
	if err != nil {
		return nil, err
	}
	sig, err := s.submit(ctx, "mint_coupon", ix)
	if err != nil {
		return nil, err
	}
	return &MintResult{Coupon: couponAddr, Index: index, Recipient: req.Recipient, Signature: sig}, nil
}

// Treasury is the wallet receiving mint costs and service fees.
func (s *Service) Treasury(ctx context.Context) (chain.PublicKey, error) {
	if !s.settings.Treasury.IsZero() {
		return s.settings.Treasury, nil
	}
	cfg, err := s.program.FetchConfig(ctx)
	if err != nil {
		return chain.PublicKey{}, err
	}
	return cfg.Admin, nil
}

// partialFailure wraps the error of a failed step with the signatures of
// the steps that completed before it.
func partialFailure(err error, message string, steps map[string]string, failedStep string) *domain.Error {
	return &domain.Error{
		Err:     err,
		Message: message,
		Code:    "PARTIAL_SUCCESS",
		Details: map[string]any{"steps": steps, "failed_step": failedStep},
	}
}
