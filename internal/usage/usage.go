// Package usage tracks coupons marked used by this process. The flag is
// local: nothing is written to the ledger and it is lost on restart.
package usage

import (
	"time"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/kvstore"
)

// Mark records when and for whom a coupon was marked used.
type Mark struct {
	Coupon chain.PublicKey  `json:"coupon"`
	Wallet *chain.PublicKey `json:"wallet,omitempty"`
	At     time.Time        `json:"marked_at"`
}

// Set is the locally-used coupon set.
type Set struct {
	marks *kvstore.Map[chain.PublicKey, Mark]
	now   func() time.Time
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{marks: kvstore.New[chain.PublicKey, Mark](0), now: time.Now}
}

// MarkUsed flags coupon. Marking twice keeps the first mark and reports false.
func (s *Set) MarkUsed(coupon chain.PublicKey, wallet *chain.PublicKey) (Mark, bool) {
	var fresh bool
	m, _ := s.marks.Upsert(coupon, func(cur Mark, exists bool) (Mark, error) {
		if exists {
			return cur, nil
		}
		fresh = true
		return Mark{Coupon: coupon, Wallet: wallet, At: s.now()}, nil
	})
	return m, fresh
}

// IsUsed reports whether coupon was marked.
func (s *Set) IsUsed(coupon chain.PublicKey) bool {
	return s.marks.Has(coupon)
}

// Len is the number of marked coupons.
func (s *Set) Len() int { return s.marks.Len() }
