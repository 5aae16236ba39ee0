// Package marketplace keeps the in-memory secondary order book of coupons.
// Buying flips a listing to sold; moving value and ownership on the ledger
// is not done here.
package marketplace

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/kvstore"
	"github.com/promotarget/promo-bridge/internal/rules"
)

// Currency is the only currency listings are priced in.
const Currency = "SOL"

// SettlementNotPerformed is reported by every purchase.
const SettlementNotPerformed = "not_performed"

// Records reads the coupon and campaign behind a listing.
type Records interface {
	FetchCoupon(ctx context.Context, addr chain.PublicKey) (*domain.CouponView, error)
	FetchCampaign(ctx context.Context, addr chain.PublicKey) (*domain.CampaignView, error)
}

// PriceRules enforces the resale cap and knows which coupons were used
// off the ledger.
type PriceRules interface {
	CheckResalePrice(c *domain.CampaignView, priceLamports uint64) error
	ResaleCap(c *domain.CampaignView) uint64
	IsUsed(coupon chain.PublicKey) bool
}

// Observer is told when a listing enters a status.
type Observer interface {
	ListingObserved(status domain.ListingStatus)
}

// Service is the order book.
type Service struct {
	records  Records
	rules    PriceRules
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	listings *kvstore.Map[string, *domain.Listing]
	// active maps a coupon to the id of its active listing.
	active *kvstore.Map[chain.PublicKey, string]
}

// NewService creates an empty order book holding at most capacity
// listings; zero means unbounded.
func NewService(records Records, priceRules PriceRules, capacity int, observer Observer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records:  records,
		rules:    priceRules,
		observer: observer,
		logger:   logger.Named("marketplace"),
		now:      time.Now,
		listings: kvstore.New[string, *domain.Listing](capacity),
		active:   kvstore.New[chain.PublicKey, string](0),
	}
}

// ListRequest offers a coupon for sale.
type ListRequest struct {
	CampaignAddress chain.PublicKey `json:"campaign_address"`
	CouponAddress   chain.PublicKey `json:"coupon_address"`
	SellerWallet    chain.PublicKey `json:"seller_wallet"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
}

// List validates and records a listing:
// 1. Checks currency and price
// 2. Checks the coupon belongs to the campaign and is held by the seller,
//    then that it is neither used (on the ledger or locally) nor listed
// 3. Checks the price against the campaign's resale cap
// 4. Claims the coupon's single active slot and stores the listing
func (s *Service) List(ctx context.Context, req ListRequest) (*domain.Listing, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = Currency
	}
	if currency != Currency {
		return nil, domain.Validation("UNSUPPORTED_CURRENCY", "currency %q is not supported, listings are priced in %s", req.Currency, Currency)
	}
	if !req.Price.IsPositive() {
		return nil, domain.Validation(rules.CodeResalePrice, "price must be positive")
	}
	lamports, err := domain.SOLToLamports(req.Price)
	if err != nil {
		return nil, domain.Validation(rules.CodeResalePrice, "%v", err)
	}

	coupon, err := s.records.FetchCoupon(ctx, req.CouponAddress)
	if err != nil {
		return nil, err
	}
	if coupon.Campaign != req.CampaignAddress {
		return nil, domain.Validation(rules.CodeWrongCampaign, "coupon %s belongs to campaign %s", coupon.Address, coupon.Campaign)
	}
	if coupon.Owner != req.SellerWallet {
		return nil, domain.Validation(rules.CodeNotOwner, "not your coupon: %s is held by %s", coupon.Address, coupon.Owner)
	}
	if coupon.Used || s.rules.IsUsed(coupon.Address) {
		return nil, domain.Validation(rules.CodeAlreadyUsed, "coupon %s already used", coupon.Address)
	}
	if coupon.Listed {
		return nil, domain.Validation(rules.CodeListed, "coupon %s is already listed for sale", coupon.Address)
	}
	campaign, err := s.records.FetchCampaign(ctx, coupon.Campaign)
	if err != nil {
		return nil, err
	}
	if err := s.rules.CheckResalePrice(campaign, lamports); err != nil {
		return nil, err
	}

	listing := &domain.Listing{
		ID:              uuid.NewString(),
		CampaignAddress: req.CampaignAddress,
		CouponAddress:   req.CouponAddress,
		SellerWallet:    req.SellerWallet,
		Price:           req.Price.String(),
		PriceLamports:   lamports,
		Currency:        currency,
		MaxResale:       s.rules.ResaleCap(campaign),
		Status:          domain.ListingActive,
		CreatedAt:       s.now().UTC(),
	}
	_, err = s.active.Upsert(req.CouponAddress, func(cur string, exists bool) (string, error) {
		if exists {
			return "", domain.Conflict("LISTING_EXISTS", "coupon %s already has an active listing (%s)", req.CouponAddress, cur)
		}
		if err := s.listings.Insert(listing.ID, listing); err != nil {
			return "", err
		}
		return listing.ID, nil
	})
	if errors.Is(err, kvstore.ErrFull) {
		return nil, domain.NewError(domain.ErrCapacity, "the order book is full", "LISTING_LIMIT")
	}
	if err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.ListingObserved(domain.ListingActive)
	}
	s.logger.Info("coupon listed",
		zap.String("listing_id", listing.ID),
		zap.Stringer("coupon", listing.CouponAddress),
		zap.Uint64("price_lamports", lamports))
	return cloneListing(listing), nil
}

// Purchase is the outcome of Buy.
type Purchase struct {
	Listing    *domain.Listing `json:"listing"`
	Settlement string          `json:"settlement"`
}

// Buy marks an active listing sold to buyer. No value or ownership moves
// on the ledger; the result says so.
func (s *Service) Buy(_ context.Context, id string, buyer chain.PublicKey) (*Purchase, error) {
	updated, found, err := s.listings.Update(id, func(cur *domain.Listing) (*domain.Listing, error) {
		if cur.Status != domain.ListingActive {
			return nil, domain.Validation("LISTING_NOT_ACTIVE", "listing %s is %s", id, cur.Status)
		}
		if cur.SellerWallet == buyer {
			return nil, domain.Validation("SELF_PURCHASE", "seller cannot buy their own listing")
		}
		next := cloneListing(cur)
		now := s.now().UTC()
		next.Status = domain.ListingSold
		next.BuyerWallet = &buyer
		next.SoldAt = &now
		return next, nil
	})
	if !found {
		return nil, domain.NotFound("LISTING_NOT_FOUND", "no listing %s", id)
	}
	if err != nil {
		return nil, err
	}
	s.active.DeleteFunc(func(coupon chain.PublicKey, listingID string) bool {
		return coupon == updated.CouponAddress && listingID == id
	})
	if s.observer != nil {
		s.observer.ListingObserved(domain.ListingSold)
	}
	s.logger.Info("listing sold",
		zap.String("listing_id", id),
		zap.Stringer("buyer", buyer),
		zap.String("settlement", SettlementNotPerformed))
	return &Purchase{Listing: cloneListing(updated), Settlement: SettlementNotPerformed}, nil
}

// Filter narrows Listings. Zero fields match everything.
type Filter struct {
	Status   domain.ListingStatus
	Seller   *chain.PublicKey
	Campaign *chain.PublicKey
}

// Listings returns the matching listings, newest first.
func (s *Service) Listings(f Filter) []*domain.Listing {
	var out []*domain.Listing
	for _, l := range s.listings.Values() {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.Seller != nil && l.SellerWallet != *f.Seller {
			continue
		}
		if f.Campaign != nil && l.CampaignAddress != *f.Campaign {
			continue
		}
		out = append(out, cloneListing(l))
	}
	slices.SortFunc(out, func(a, b *domain.Listing) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ParseStatus accepts "", "active" and "sold".
func ParseStatus(s string) (domain.ListingStatus, error) {
	switch st := domain.ListingStatus(strings.ToLower(s)); st {
	case "", domain.ListingActive, domain.ListingSold:
		return st, nil
	default:
		return "", domain.Validation("INVALID_STATUS", "unknown listing status %q", s)
	}
}

func cloneListing(l *domain.Listing) *domain.Listing {
	cp := *l
	if l.BuyerWallet != nil {
		b := *l.BuyerWallet
		cp.BuyerWallet = &b
	}
	if l.SoldAt != nil {
		t := *l.SoldAt
		cp.SoldAt = &t
	}
	return &cp
}
