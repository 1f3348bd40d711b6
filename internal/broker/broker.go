// Package broker defines the Gateway the execution core consumes and provides
// implementations for the Alpaca brokerage, an in-memory simulator, and a
// throttling wrapper that bounds request rate and concurrency.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"orderpilot/internal/domain"
)

// Gateway abstracts the brokerage operations needed to execute orders and
// read market and account state. Order operations are keyed by account id
// and broker-assigned order id.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder submits a new order and returns its broker order id.
	PlaceOrder(ctx context.Context, accountID string, req domain.OrderRequest) (string, error)

	// ReplaceOrder supersedes orderID with req and returns the new order id.
	// It returns domain.ErrOrderNotReplaceable when orderID is already
	// terminal.
	ReplaceOrder(ctx context.Context, accountID, orderID string, req domain.OrderRequest) (string, error)

	// GetOrder returns the current status of an order.
	GetOrder(ctx context.Context, accountID, orderID string) (domain.OrderReport, error)

	// GetQuote returns the latest trade for symbol.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetPriceHistory returns bars oldest first.
	GetPriceHistory(ctx context.Context, symbol string, req HistoryRequest) ([]domain.Bar, error)

	// GetAccountSnapshot returns positions and balances.
	GetAccountSnapshot(ctx context.Context, accountID string) (domain.AccountSnapshot, error)
}

// HistoryRequest selects bars of a given size covering the last Sessions
// regular trading sessions up to End (zero End means now).
type HistoryRequest struct {
	Granularity time.Duration
	Sessions    int
	End         time.Time
}

// Clock reports whether the market is currently open.
type Clock interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Holdings flattens a snapshot into symbol → net quantity, plus "USD" for
// available funds and "net" for liquidation value.
func Holdings(s domain.AccountSnapshot) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Positions)+2)
	for _, p := range s.Positions {
		out[p.Symbol] = out[p.Symbol].Add(decimal.NewFromInt(p.Qty))
	}
	out["USD"] = s.AvailableFunds
	out["net"] = s.LiquidationValue
	return out
}
