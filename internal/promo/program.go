package promo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
	"github.com/promotarget/promo-bridge/internal/schema"
)

// DefaultProgramID is the deployed address of the promo targeting program.
var DefaultProgramID = chain.MustPublicKey("41eti7CsZBWD1QYdor2RnxmqzsaNGpRQCkJQZqX2JEKr")

// Ledger is the read side of the RPC client the program binding needs.
type Ledger interface {
	GetAccountInfo(ctx context.Context, address chain.PublicKey) (*chain.AccountInfo, error)
	GetProgramAccounts(ctx context.Context, programID chain.PublicKey, filters ...chain.Filter) ([]chain.KeyedAccount, error)
}

// Record is any program account decoded through the schema.
type Record struct {
	Address  chain.PublicKey `json:"address"`
	Type     string          `json:"type"`
	Lamports uint64          `json:"lamports"`
	Fields   *schema.Values  `json:"fields"`
}

// Program reads and builds instructions for the promo targeting program.
type Program struct {
	schemas *schema.Provider
	ledger  Ledger
	addrs   Addresses
	logger  *zap.Logger
}

// NewProgram binds the schema provider and ledger client to programID.
func NewProgram(schemas *schema.Provider, ledger Ledger, programID chain.PublicKey, logger *zap.Logger) *Program {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Program{
		schemas: schemas,
		ledger:  ledger,
		addrs:   NewAddresses(programID),
		logger:  logger.Named("promo"),
	}
}

// Addresses returns the derivations for this program.
func (p *Program) Addresses() Addresses { return p.addrs }

// ProgramID is the program the records belong to.
func (p *Program) ProgramID() chain.PublicKey { return p.addrs.ProgramID() }

// Schema returns the loaded interface schema or a configuration error.
func (p *Program) Schema() (*schema.Schema, error) { return p.schemas.Schema() }

func (p *Program) fetch(ctx context.Context, addr chain.PublicKey, fragments ...string) (*schema.Values, *chain.AccountInfo, error) {
	s, err := p.schemas.Schema()
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.MustRecord(fragments...)
	if err != nil {
		return nil, nil, err
	}
	info, err := p.ledger.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, nil, domain.NotFound("RECORD_NOT_FOUND", "%s %s not found", rec.Name, addr).
				WithDetail("address", addr.String())
		}
		return nil, nil, fmt.Errorf("fetch %s %s: %w", rec.Name, addr, err)
	}
	if info.Owner != p.ProgramID() {
		return nil, nil, domain.Validation("NOT_PROGRAM_ACCOUNT",
			"account %s is owned by %s, not by the program", addr, info.Owner)
	}
	values, err := s.DecodeRecord(rec, info.Data)
	if err != nil {
		return nil, nil, domain.Validation("RECORD_DECODE_FAILED", "account %s is not a %s: %v", addr, rec.Name, err)
	}
	return values, info, nil
}

// FetchConfig reads the global config record.
func (p *Program) FetchConfig(ctx context.Context) (*domain.GlobalConfig, error) {
	addr, err := p.addrs.Config()
	if err != nil {
		return nil, err
	}
	v, _, err := p.fetch(ctx, addr, "global", "config")
	if err != nil {
		return nil, err
	}
	return configView(addr, v), nil
}

// FetchCampaign reads one campaign record.
func (p *Program) FetchCampaign(ctx context.Context, addr chain.PublicKey) (*domain.CampaignView, error) {
	v, _, err := p.fetch(ctx, addr, "campaign")
	if err != nil {
		return nil, err
	}
	return campaignView(addr, v), nil
}

// FetchVault reads one vault record together with its live balance.
func (p *Program) FetchVault(ctx context.Context, addr chain.PublicKey) (*domain.VaultView, error) {
	v, info, err := p.fetch(ctx, addr, "vault")
	if err != nil {
		return nil, err
	}
	return vaultView(addr, v, info.Lamports), nil
}

// FetchCoupon reads one coupon record.
func (p *Program) FetchCoupon(ctx context.Context, addr chain.PublicKey) (*domain.CouponView, error) {
	v, _, err := p.fetch(ctx, addr, "coupon")
	if err != nil {
		return nil, err
	}
	return couponView(addr, v), nil
}

// Decode reads any program account, detecting its type by discriminator.
func (p *Program) Decode(ctx context.Context, addr chain.PublicKey) (*Record, error) {
	s, err := p.schemas.Schema()
	if err != nil {
		return nil, err
	}
	info, err := p.ledger.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, domain.NotFound("RECORD_NOT_FOUND", "account %s not found", addr)
		}
		return nil, fmt.Errorf("fetch %s: %w", addr, err)
	}
	rec, ok := s.IdentifyRecord(info.Data)
	if !ok || info.Owner != p.ProgramID() {
		return nil, domain.Validation("UNKNOWN_RECORD", "account %s is not a record of the program", addr)
	}
	values, err := s.DecodeRecord(rec, info.Data)
	if err != nil {
		return nil, domain.Validation("RECORD_DECODE_FAILED", "account %s: %v", addr, err)
	}
	return &Record{Address: addr, Type: rec.Name, Lamports: info.Lamports, Fields: values}, nil
}

// Match narrows a record scan to records whose field equals an address.
type Match struct {
	Field string
	Value chain.PublicKey
}

// Records lists every record of the type matched by fragment, optionally
// narrowed by address-valued fields.
func (p *Program) Records(ctx context.Context, fragment string, matches ...Match) ([]Record, error) {
	s, err := p.schemas.Schema()
	if err != nil {
		return nil, err
	}
	rec, err := s.MustRecord(fragment)
	if err != nil {
		return nil, err
	}
	return p.scan(ctx, s, rec, matches)
}

func (p *Program) scan(ctx context.Context, s *schema.Schema, rec *schema.Record, matches []Match) ([]Record, error) {
	filters := []chain.Filter{chain.MemcmpFilter(0, rec.Discriminator[:])}
	for _, m := range matches {
		off, err := s.FieldOffset(rec, m.Field)
		if err != nil {
			return nil, domain.Unavailable("SCHEMA_LAYOUT", "cannot filter %s by %s: %v", rec.Name, m.Field, err)
		}
		filters = append(filters, chain.MemcmpFilter(uint64(off), m.Value.Bytes()))
	}
	accounts, err := p.ledger.GetProgramAccounts(ctx, p.ProgramID(), filters...)
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", rec.Name, err)
	}
	out := make([]Record, 0, len(accounts))
	for _, acc := range accounts {
		values, err := s.DecodeRecord(rec, acc.Account.Data)
		if err != nil {
			p.logger.Warn("skipping undecodable record",
				zap.String("type", rec.Name),
				zap.Stringer("address", acc.PublicKey),
				zap.Error(err))
			continue
		}
		out = append(out, Record{Address: acc.PublicKey, Type: rec.Name, Lamports: acc.Account.Lamports, Fields: values})
	}
	return out, nil
}

// Campaigns lists campaigns, only those of merchant when it is set.
func (p *Program) Campaigns(ctx context.Context, merchant *chain.PublicKey) ([]*domain.CampaignView, error) {
	var matches []Match
	if merchant != nil {
		matches = append(matches, Match{Field: "merchant", Value: *merchant})
	}
	records, err := p.Records(ctx, "campaign", matches...)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.CampaignView, 0, len(records))
	for _, r := range records {
		out = append(out, campaignView(r.Address, r.Fields))
	}
	return out, nil
}

// Coupons lists coupons filtered by campaign and/or owner.
func (p *Program) Coupons(ctx context.Context, campaign, owner *chain.PublicKey) ([]*domain.CouponView, error) {
	var matches []Match
	if campaign != nil {
		matches = append(matches, Match{Field: "campaign", Value: *campaign})
	}
	if owner != nil {
		matches = append(matches, Match{Field: "owner", Value: *owner})
	}
	records, err := p.Records(ctx, "coupon", matches...)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.CouponView, 0, len(records))
	for _, r := range records {
		out = append(out, couponView(r.Address, r.Fields))
	}
	return out, nil
}
