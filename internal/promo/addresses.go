// Package promo binds the generic schema and chain layers to the promo
// targeting program: its address families, record views and instructions.
package promo

import (
	"fmt"

	"github.com/promotarget/promo-bridge/internal/chain"
)

// Seed tags of the program's derived address families.
const (
	TagConfig   = "config"
	TagCampaign = "campaign"
	TagVault    = "vault"
	TagCoupon   = "coupon"
)

// Addresses derives the program's record addresses. The seed widths match
// what the program hashes: ids and indices are 8-byte little-endian.
type Addresses struct {
	deriver chain.Deriver
}

// NewAddresses returns the derivations for programID.
func NewAddresses(programID chain.PublicKey) Addresses {
	return Addresses{deriver: chain.NewDeriver(programID)}
}

// ProgramID is the owning program.
func (a Addresses) ProgramID() chain.PublicKey { return a.deriver.ProgramID }

// Config is the singleton global config address.
func (a Addresses) Config() (chain.PublicKey, error) {
	return a.derive(TagConfig)
}

// Campaign is the address of a merchant's campaign id.
func (a Addresses) Campaign(merchant chain.PublicKey, campaignID uint64) (chain.PublicKey, error) {
	return a.derive(TagCampaign, chain.SeedAddress(merchant), chain.SeedU64(campaignID))
}

// Vault is the budget vault of a campaign.
func (a Addresses) Vault(campaign chain.PublicKey) (chain.PublicKey, error) {
	return a.derive(TagVault, chain.SeedAddress(campaign))
}

// Coupon is the address of a campaign's coupon index.
func (a Addresses) Coupon(campaign chain.PublicKey, index uint64) (chain.PublicKey, error) {
	return a.derive(TagCoupon, chain.SeedAddress(campaign), chain.SeedU64(index))
}

func (a Addresses) derive(tag string, seeds ...chain.Seed) (chain.PublicKey, error) {
	pk, _, err := a.deriver.Derive(tag, seeds...)
	if err != nil {
		return chain.PublicKey{}, fmt.Errorf("derive %s address: %w", tag, err)
	}
	return pk, nil
}
