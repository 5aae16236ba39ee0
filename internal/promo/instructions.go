package promo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/schema"
)

// Accounts maps the account names an operation declares to addresses.
// Keys may be snake_case or camelCase.
type Accounts map[string]chain.PublicKey

func (a Accounts) lookup(name string) (chain.PublicKey, bool) {
	for _, k := range []string{name, schema.ToSnake(name), schema.ToCamel(name)} {
		if pk, ok := a[k]; ok {
			return pk, true
		}
	}
	return chain.PublicKey{}, false
}

func (a Accounts) keys() []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build resolves the operation named by fragments and encodes a call with
// the given accounts and arguments. Accounts the schema pins to a fixed
// address need not be mapped; unmapped optional accounts take the program id.
func (p *Program) Build(fragments []string, accounts Accounts, args map[string]any) (chain.Instruction, error) {
	s, err := p.schemas.Schema()
	if err != nil {
		return chain.Instruction{}, err
	}
	op, err := s.MustOperation(fragments...)
	if err != nil {
		return chain.Instruction{}, err
	}
	data, err := s.EncodeInstruction(op, args)
	if err != nil {
		return chain.Instruction{}, err
	}
	metas := make([]chain.AccountMeta, 0, len(op.Accounts))
	for _, item := range op.Accounts {
		pk, ok := accounts.lookup(item.Name)
		switch {
		case ok:
		case item.Address != "":
			pk, err = chain.ParsePublicKey(item.Address)
			if err != nil {
				return chain.Instruction{}, fmt.Errorf("pinned account %s of %s: %w", item.Name, op.Name, err)
			}
		case item.Optional:
			pk = p.ProgramID()
		default:
			return chain.Instruction{}, domain.Validation("ACCOUNT_NOT_MAPPED",
				"no account mapped for %q of %s (available keys: %s)",
				item.Name, op.Name, strings.Join(accounts.keys(), ", "))
		}
		metas = append(metas, chain.Meta(pk, item.Signer, item.Writable))
	}
	return chain.Instruction{ProgramID: p.ProgramID(), Accounts: metas, Data: data}, nil
}

// InitializeConfig creates the global config record with admin as authority.
func (p *Program) InitializeConfig(admin chain.PublicKey, maxResaleBps, serviceFeeBps uint16) (chain.Instruction, error) {
	config, err := p.addrs.Config()
	if err != nil {
		return chain.Instruction{}, err
	}
	return p.Build([]string{"initialize", "config"},
		Accounts{"config": config, "admin": admin},
		map[string]any{"max_resale_bps": maxResaleBps, "service_fee_bps": serviceFeeBps})
}

// CampaignParams are the arguments of a new campaign.
type CampaignParams struct {
	CampaignID          uint64          `json:"campaign_id"`
	DiscountBps         uint16          `json:"discount_bps"`
	ResaleBps           uint16          `json:"resale_bps"`
	ExpirationTimestamp int64           `json:"expiration_timestamp"`
	TotalCoupons        uint32          `json:"total_coupons"`
	MintCostLamports    uint64          `json:"mint_cost_lamports"`
	MaxDiscountLamports uint64          `json:"max_discount_lamports"`
	CategoryCode        uint16          `json:"category_code"`
	ProductCode         uint16          `json:"product_code"`
	Name                string          `json:"campaign_name"`
	DepositLamports     uint64          `json:"deposit_amount"`
	RequiresWallet      bool            `json:"requires_wallet"`
	TargetWallet        chain.PublicKey `json:"target_wallet"`
}

func (c CampaignParams) args() map[string]any {
	return map[string]any{
		"campaign_id":           c.CampaignID,
		"discount_bps":          c.DiscountBps,
		"resale_bps":            c.ResaleBps,
		"expiration_timestamp":  c.ExpirationTimestamp,
		"total_coupons":         c.TotalCoupons,
		"mint_cost_lamports":    c.MintCostLamports,
		"max_discount_lamports": c.MaxDiscountLamports,
		"category_code":         c.CategoryCode,
		"product_code":          c.ProductCode,
		"campaign_name":         c.Name,
		"deposit_amount":        c.DepositLamports,
		"requires_wallet":       c.RequiresWallet,
		"target_wallet":         c.TargetWallet,
	}
}

// CreateCampaign builds the create call and returns the campaign and vault
// addresses it will initialize.
func (p *Program) CreateCampaign(merchant chain.PublicKey, params CampaignParams) (chain.Instruction, chain.PublicKey, chain.PublicKey, error) {
	var zero chain.PublicKey
	config, err := p.addrs.Config()
	if err != nil {
		return chain.Instruction{}, zero, zero, err
	}
	campaign, err := p.addrs.Campaign(merchant, params.CampaignID)
	if err != nil {
		return chain.Instruction{}, zero, zero, err
	}
	vault, err := p.addrs.Vault(campaign)
	if err != nil {
		return chain.Instruction{}, zero, zero, err
	}
	ix, err := p.Build([]string{"create", "campaign"},
		Accounts{"config": config, "campaign": campaign, "vault": vault, "merchant": merchant},
		params.args())
	if err != nil {
		return chain.Instruction{}, zero, zero, err
	}
	return ix, campaign, vault, nil
}

// MintCoupon builds the mint call for the coupon at index and returns its address.
func (p *Program) MintCoupon(merchant chain.PublicKey, campaign *domain.CampaignView, index uint64, recipient, treasury chain.PublicKey) (chain.Instruction, chain.PublicKey, error) {
	vault, err := p.addrs.Vault(campaign.Address)
	if err != nil {
		return chain.Instruction{}, chain.PublicKey{}, err
	}
	coupon, err := p.addrs.Coupon(campaign.Address, index)
	if err != nil {
		return chain.Instruction{}, chain.PublicKey{}, err
	}
	ix, err := p.Build([]string{"mint", "coupon"},
		Accounts{
			"campaign":          campaign.Address,
			"vault":             vault,
			"coupon":            coupon,
			"merchant":          merchant,
			"recipient":         recipient,
			"platform_treasury": treasury,
		},
		map[string]any{"campaign_id": campaign.CampaignID, "coupon_index": index})
	if err != nil {
		return chain.Instruction{}, chain.PublicKey{}, err
	}
	return ix, coupon, nil
}

// RedeemCoupon builds the redemption call signed by the coupon owner.
func (p *Program) RedeemCoupon(user chain.PublicKey, coupon *domain.CouponView, purchaseLamports uint64, productCode uint16, treasury chain.PublicKey) (chain.Instruction, error) {
	vault, err := p.addrs.Vault(coupon.Campaign)
	if err != nil {
		return chain.Instruction{}, err
	}
	return p.Build([]string{"redeem", "coupon"},
		Accounts{
			"campaign":          coupon.Campaign,
			"vault":             vault,
			"coupon":            coupon.Address,
			"user":              user,
			"platform_treasury": treasury,
		},
		map[string]any{"purchase_amount": purchaseLamports, "product_code": productCode})
}

// ListCoupon builds the owner-signed call that puts a coupon up for resale.
func (p *Program) ListCoupon(owner chain.PublicKey, coupon *domain.CouponView, priceLamports uint64) (chain.Instruction, error) {
	return p.Build([]string{"list", "coupon"},
		Accounts{"campaign": coupon.Campaign, "coupon": coupon.Address, "owner": owner},
		map[string]any{"sale_price_lamports": priceLamports})
}
