package promo

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// ExplainFailure turns an on-chain execution failure into a ledger error
// that names the program error, when the schema declares the code. Other
// errors are returned unchanged.
func (p *Program) ExplainFailure(op string, err error) error {
	var txErr *chain.TransactionError
	if !errors.As(err, &txErr) {
		return err
	}
	out := domain.NewError(domain.ErrLedger, fmt.Sprintf("%s failed on chain", op), "TRANSACTION_FAILED").
		WithDetail("signature", txErr.Signature).
		WithDetail("cause", fmt.Sprint(txErr.Err))

	raw, ok := txErr.Err.(string)
	if !ok {
		return out
	}
	custom := gjson.Get(raw, "InstructionError.1.Custom")
	if !custom.Exists() {
		return out
	}
	out.WithDetail("program_error_code", custom.Int())
	s, serr := p.schemas.Schema()
	if serr != nil {
		return out
	}
	if pe, found := s.ProgramError(int(custom.Int())); found {
		out.Message = fmt.Sprintf("%s failed on chain: %s", op, pe.Message)
		out.Code = pe.Name
	}
	return out
}
