// Package domain defines the core types shared by order execution, the trade
// ledger, the diagnostic log and market analytics.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStyle selects how an order is priced at the broker.
type OrderStyle string

const (
	StyleMarket OrderStyle = "market"
	StyleLimit  OrderStyle = "limit"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusWorking         OrderStatus = "working"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusUnknown         OrderStatus = "unknown"
)

// Terminal reports whether no further status change is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Market identifies the exchange calendar a symbol trades on.
type Market string

const MarketUS Market = "us"

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSpec is the caller's intent for one execution. It is never mutated
// after Execute receives it.
type OrderSpec struct {
	Symbol   string
	Side     Side
	Quantity int64
	Style    OrderStyle

	// LimitPrice is required for limit orders and is the worst price the
	// caller accepts: a buy is never placed above it, a sell never below.
	LimitPrice *decimal.Decimal

	// MaxWait is how long a limit order may rest before it is converted to
	// a market order.
	MaxWait time.Duration

	// Slippage is the fraction added to (buy) or subtracted from (sell) the
	// last trade price when pricing a limit order.
	Slippage decimal.Decimal
}

// Validate rejects malformed specs before any broker call is made.
func (s OrderSpec) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrderSpec)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrderSpec, s.Side)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidOrderSpec, s.Quantity)
	}
	if s.Slippage.IsNegative() || s.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: slippage %s outside [0, 1)", ErrInvalidOrderSpec, s.Slippage)
	}
	if s.MaxWait < 0 {
		return fmt.Errorf("%w: negative max wait %s", ErrInvalidOrderSpec, s.MaxWait)
	}

	switch s.Style {
	case StyleMarket:
		if s.LimitPrice != nil {
			return fmt.Errorf("%w: market order with limit price", ErrInvalidOrderSpec)
		}
	case StyleLimit:
		if s.LimitPrice == nil {
			return fmt.Errorf("%w: limit order without limit price", ErrInvalidOrderSpec)
		}
		if !s.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price %s must be positive", ErrInvalidOrderSpec, s.LimitPrice)
		}
	default:
		return fmt.Errorf("%w: unknown style %q", ErrInvalidOrderSpec, s.Style)
	}
	return nil
}

// OrderRequest is a concrete order as sent to the broker.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Style         OrderStyle
	Quantity      int64
	LimitPrice    *decimal.Decimal
	ClientOrderID string
}

// OrderHandle is the live broker-side order standing for a spec. Escalation
// produces a new handle; the previous BrokerOrderID is stale from then on.
// PriorFilledQty and PriorNotional accumulate the fills of superseded orders.
type OrderHandle struct {
	BrokerOrderID  string
	Spec           OrderSpec
	SubmittedAt    time.Time
	Escalations    int
	PriorFilledQty int64
	PriorNotional  decimal.Decimal
}

// Replace returns the handle for the order that superseded h.
func (h OrderHandle) Replace(brokerOrderID string, at time.Time) OrderHandle {
	return OrderHandle{
		BrokerOrderID:  brokerOrderID,
		Spec:           h.Spec,
		SubmittedAt:    at,
		Escalations:    h.Escalations + 1,
		PriorFilledQty: h.PriorFilledQty,
		PriorNotional:  h.PriorNotional,
	}
}

// WithFill returns h with the fills of r, a read of h's own order, added to
// the prior totals. Call it on the last read before the order is replaced.
func (h OrderHandle) WithFill(r OrderReport) OrderHandle {
	h.PriorFilledQty += r.FilledQty
	h.PriorNotional = h.PriorNotional.Add(r.AvgFillPrice.Mul(decimal.NewFromInt(r.FilledQty)))
	return h
}

// OrderReport is one status read of a broker order.
type OrderReport struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     int64
	RemainingQty  int64
	AvgFillPrice  decimal.Decimal
}

// OrderOutcome is the terminal record returned once per Execute call.
// FilledQty and AvgFillPrice describe the final live order only; the Total
// fields cover every order placed for the execution, replaced ones included.
type OrderOutcome struct {
	BrokerOrderID     string
	Symbol            string
	Side              Side
	Status            OrderStatus
	FilledQty         int64
	RemainingQty      int64
	AvgFillPrice      decimal.Decimal
	Escalations       int
	TotalFilledQty    int64
	TotalAvgFillPrice decimal.Decimal
}

// OutcomeFromReport builds an outcome from the final status read. Statuses
// that are not terminal collapse to OrderStatusUnknown.
func OutcomeFromReport(h OrderHandle, r OrderReport) OrderOutcome {
	status := r.Status
	if !status.Terminal() {
		status = OrderStatusUnknown
	}
	out := OrderOutcome{
		BrokerOrderID:     h.BrokerOrderID,
		Symbol:            h.Spec.Symbol,
		Side:              h.Spec.Side,
		Status:            status,
		FilledQty:         r.FilledQty,
		RemainingQty:      r.RemainingQty,
		AvgFillPrice:      r.AvgFillPrice,
		Escalations:       h.Escalations,
		TotalFilledQty:    r.FilledQty,
		TotalAvgFillPrice: r.AvgFillPrice,
	}
	if h.PriorFilledQty > 0 {
		total := h.PriorFilledQty + r.FilledQty
		notional := h.PriorNotional.Add(r.AvgFillPrice.Mul(decimal.NewFromInt(r.FilledQty)))
		out.TotalFilledQty = total
		out.TotalAvgFillPrice = notional.Div(decimal.NewFromInt(total)).Round(4)
	}
	return out
}

// ---------------------------------------------------------------------------
// Market data and account
// ---------------------------------------------------------------------------

// Quote is the latest trade for a symbol.
type Quote struct {
	Symbol    string
	LastPrice decimal.Decimal
	Timestamp time.Time
}

// Bar is one OHLCV interval.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Position is a net holding; short positions have negative Qty.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
}

// AccountSnapshot is a point-in-time view of the brokerage account.
type AccountSnapshot struct {
	AccountID        string
	Positions        []Position
	AvailableFunds   decimal.Decimal
	LiquidationValue decimal.Decimal
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// TradeRecord is one round trip in the trade ledger. A record is open until
// it has a sell price.
type TradeRecord struct {
	Date      string         `yaml:"date"`
	Symbol    string         `yaml:"symbol"`
	BuyPrice  *float64       `yaml:"buy_price,omitempty"`
	SellPrice *float64       `yaml:"sell_price,omitempty"`
	Quantity  int64          `yaml:"quantity,omitempty"`
	OrderID   string         `yaml:"order_id,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// Open reports whether the record still awaits its closing price.
func (r TradeRecord) Open() bool {
	return r.SellPrice == nil
}
