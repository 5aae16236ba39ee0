package promotest

import (
	"bytes"
	"fmt"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/schema"
)

// Simulate installs an OnSend hook that applies the record effects of
// initialize_config, create_campaign and mint_coupon, so tests can read back
// what a submission created. Other instructions are accepted unchanged.
func (l *Ledger) Simulate() {
	l.OnSend = l.apply
}

func (l *Ledger) apply(tx *chain.Transaction) error {
	ixs, err := tx.Message.DecompileInstructions()
	if err != nil {
		return err
	}
	for _, ix := range ixs {
		if ix.ProgramID != ProgramID {
			continue
		}
		op := l.operation(ix.Data)
		if op == nil {
			return fmt.Errorf("unknown instruction")
		}
		args, err := l.schema.DecodeInstruction(op, ix.Data)
		if err != nil {
			return err
		}
		switch op.Name {
		case "initialize_config":
			err = l.store(ix.Accounts[0].PublicKey, "global config", map[string]any{
				"admin":           ix.Accounts[1].PublicKey,
				"max_resale_bps":  args.Uint64(0, "max_resale_bps"),
				"service_fee_bps": args.Uint64(0, "service_fee_bps"),
			}, 1)
		case "create_campaign":
			err = l.createCampaign(ix, args)
		case "mint_coupon":
			err = l.mintCoupon(ix, args)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) operation(data []byte) *schema.Operation {
	for _, op := range l.schema.Operations {
		if len(data) >= schema.DiscriminatorSize && bytes.Equal(op.Discriminator[:], data[:schema.DiscriminatorSize]) {
			return op
		}
	}
	return nil
}

func (l *Ledger) store(addr chain.PublicKey, fragment string, fields map[string]any, lamports uint64) error {
	rec, ok := l.schema.ResolveRecord(fragment)
	if !ok {
		return fmt.Errorf("no record %s", fragment)
	}
	data, err := l.schema.EncodeRecord(rec, fields)
	if err != nil {
		return err
	}
	l.Put(addr, data, lamports)
	return nil
}

func (l *Ledger) load(addr chain.PublicKey, fragment string) (map[string]any, error) {
	rec, ok := l.schema.ResolveRecord(fragment)
	if !ok {
		return nil, fmt.Errorf("no record %s", fragment)
	}
	l.mu.Lock()
	info, found := l.accounts[addr]
	l.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", chain.ErrAccountNotFound, addr)
	}
	v, err := l.schema.DecodeRecord(rec, info.Data)
	if err != nil {
		return nil, err
	}
	return v.Map(), nil
}

func (l *Ledger) createCampaign(ix chain.Instruction, args *schema.Values) error {
	configAddr, campaignAddr, vaultAddr, merchant := ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, ix.Accounts[2].PublicKey, ix.Accounts[3].PublicKey
	cfg, err := l.load(configAddr, "global config")
	if err != nil {
		return err
	}
	fields := args.Map()
	delete(fields, "deposit_amount")
	fields["merchant"] = merchant
	fields["service_fee_bps"] = cfg["service_fee_bps"]
	fields["used_coupons"] = 0
	fields["minted_coupons"] = 0
	fields["total_purchase_amount"] = 0
	fields["total_discount_lamports"] = 0
	fields["last_redeem_timestamp"] = 0
	if err := l.store(campaignAddr, "campaign", fields, 1); err != nil {
		return err
	}
	deposit := args.Uint64(0, "deposit_amount")
	return l.store(vaultAddr, "vault", map[string]any{
		"campaign":            campaignAddr,
		"merchant":            merchant,
		"bump":                255,
		"total_deposit":       deposit,
		"total_mint_spent":    0,
		"total_service_spent": 0,
	}, deposit)
}

func (l *Ledger) mintCoupon(ix chain.Instruction, args *schema.Values) error {
	campaignAddr, couponAddr, recipient := ix.Accounts[0].PublicKey, ix.Accounts[2].PublicKey, ix.Accounts[4].PublicKey
	campaign, err := l.load(campaignAddr, "campaign")
	if err != nil {
		return err
	}
	minted, _ := campaign["minted_coupons"].(uint32)
	total, _ := campaign["total_coupons"].(uint32)
	if minted >= total {
		return &chain.TransactionError{Signature: "simulated", Err: `{"InstructionError":[0,{"Custom":6026}]}`}
	}
	campaign["minted_coupons"] = minted + 1
	if err := l.store(campaignAddr, "campaign", campaign, 1); err != nil {
		return err
	}
	return l.store(couponAddr, "coupon", map[string]any{
		"campaign":            campaignAddr,
		"coupon_index":        args.Uint64(0, "coupon_index"),
		"owner":               recipient,
		"used":                false,
		"listed":              false,
		"sale_price_lamports": 0,
	}, 1)
}
