package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// SOLToLamports converts a decimal SOL amount to lamports. Amounts with more
// precision than one lamport, negative amounts and amounts past uint64 are
// rejected.
func SOLToLamports(sol decimal.Decimal) (uint64, error) {
	if sol.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", sol)
	}
	l := sol.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than 9 decimal places", sol)
	}
	if l.BigInt().BitLen() > 64 {
		return 0, fmt.Errorf("amount %s is too large", sol)
	}
	return l.BigInt().Uint64(), nil
}

// LamportsToSOL is the decimal SOL value of lamports.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), 0).Div(lamportsPerSOL)
}
