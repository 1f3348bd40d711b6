package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"orderpilot/internal/domain"
)

// RiskManager enforces a pre-trade position sizing limit.
type RiskManager struct {
	maxPositionPct decimal.Decimal
}

// NewRiskManager creates a RiskManager that caps the notional value an order
// may add to a position at maxPositionPct of account liquidation value
// (e.g. 0.10 for 10%).
func NewRiskManager(maxPositionPct float64) *RiskManager {
	return &RiskManager{maxPositionPct: decimal.NewFromFloat(maxPositionPct)}
}

// CheckOrder evaluates whether the order complies with the sizing limit at
// the given price. Sells only count the part that goes beyond the current
// long position, so reducing a position is always allowed.
func (rm *RiskManager) CheckOrder(_ context.Context, spec domain.OrderSpec, price decimal.Decimal, account domain.AccountSnapshot) error {
	opening := spec.Quantity
	if spec.Side == domain.SideSell {
		for _, p := range account.Positions {
			if p.Symbol == spec.Symbol && p.Qty > 0 {
				opening -= p.Qty
			}
		}
		if opening <= 0 {
			return nil
		}
	}

	notional := price.Mul(decimal.NewFromInt(opening))
	limit := account.LiquidationValue.Mul(rm.maxPositionPct)
	if notional.GreaterThan(limit) {
		return fmt.Errorf("%w: %s %s notional %s exceeds %s (%s of %s)",
			domain.ErrRiskLimit, spec.Side, spec.Symbol, notional.StringFixed(2),
			limit.StringFixed(2), rm.maxPositionPct, account.LiquidationValue.StringFixed(2))
	}
	return nil
}
