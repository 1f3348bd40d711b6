package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderpilot/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*SimulatorGateway)(nil)

type simOrder struct {
	req    domain.OrderRequest
	status domain.OrderStatus
	filled int64
	avg    decimal.Decimal
}

// SimulatorGateway implements Gateway for paper trading and tests. It keeps
// quotes, bars, orders and positions in memory. Market orders fill at the
// current quote when placed; limit orders fill in full on the first status
// read at which the quote has crossed the limit.
type SimulatorGateway struct {
	mu        sync.Mutex
	accountID string
	cash      decimal.Decimal
	quotes    map[string]decimal.Decimal
	bars      map[string][]domain.Bar
	orders    map[string]*simOrder
	positions map[string]int64
}

// NewSimulatorGateway creates a simulator for accountID holding cash.
func NewSimulatorGateway(accountID string, cash decimal.Decimal) *SimulatorGateway {
	return &SimulatorGateway{
		accountID: accountID,
		cash:      cash,
		quotes:    make(map[string]decimal.Decimal),
		bars:      make(map[string][]domain.Bar),
		orders:    make(map[string]*simOrder),
		positions: make(map[string]int64),
	}
}

// Name returns "simulator".
func (s *SimulatorGateway) Name() string { return "simulator" }

// SetQuote sets the last trade price for symbol.
func (s *SimulatorGateway) SetQuote(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[strings.ToUpper(symbol)] = price
}

// SetBars replaces the price history returned for symbol.
func (s *SimulatorGateway) SetBars(symbol string, bars []domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[strings.ToUpper(symbol)] = append([]domain.Bar(nil), bars...)
}

// PlaceOrder records the order; market orders fill immediately.
func (s *SimulatorGateway) PlaceOrder(_ context.Context, accountID string, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAccount(accountID); err != nil {
		return "", err
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	if _, ok := s.quotes[req.Symbol]; !ok {
		return "", fmt.Errorf("simulator: no quote for %s", req.Symbol)
	}

	id := uuid.NewString()
	o := &simOrder{req: req, status: domain.OrderStatusWorking}
	s.orders[id] = o
	if req.Style == domain.StyleMarket {
		s.fill(o)
	}
	return id, nil
}

// ReplaceOrder cancels a working order and places req for at most its
// unfilled quantity.
func (s *SimulatorGateway) ReplaceOrder(ctx context.Context, accountID, orderID string, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("simulator: unknown order %s", orderID)
	}
	s.tryFill(o)
	if o.status.Terminal() {
		status := o.status
		s.mu.Unlock()
		return "", fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotReplaceable, orderID, status)
	}
	o.status = domain.OrderStatusCancelled
	remaining := o.req.Quantity - o.filled
	s.mu.Unlock()

	if req.Quantity > remaining {
		req.Quantity = remaining
	}
	return s.PlaceOrder(ctx, accountID, req)
}

// GetOrder reports the order, filling a resting limit order whose price the
// quote has crossed.
func (s *SimulatorGateway) GetOrder(_ context.Context, accountID, orderID string) (domain.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAccount(accountID); err != nil {
		return domain.OrderReport{}, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return domain.OrderReport{}, fmt.Errorf("simulator: unknown order %s", orderID)
	}
	s.tryFill(o)
	return domain.OrderReport{
		BrokerOrderID: orderID,
		Status:        o.status,
		FilledQty:     o.filled,
		RemainingQty:  o.req.Quantity - o.filled,
		AvgFillPrice:  o.avg,
	}, nil
}

// GetQuote returns the configured price for symbol.
func (s *SimulatorGateway) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	p, ok := s.quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s", domain.ErrInsufficientData, symbol)
	}
	return domain.Quote{Symbol: symbol, LastPrice: p}, nil
}

// GetPriceHistory returns the bars set with SetBars.
func (s *SimulatorGateway) GetPriceHistory(_ context.Context, symbol string, _ HistoryRequest) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Bar(nil), s.bars[strings.ToUpper(symbol)]...), nil
}

// GetAccountSnapshot returns simulated positions and balances. Positions are
// valued at the current quote.
func (s *SimulatorGateway) GetAccountSnapshot(_ context.Context, accountID string) (domain.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAccount(accountID); err != nil {
		return domain.AccountSnapshot{}, err
	}
	snap := domain.AccountSnapshot{
		AccountID:        s.accountID,
		AvailableFunds:   s.cash,
		LiquidationValue: s.cash,
	}
	for sym, qty := range s.positions {
		if qty == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, domain.Position{Symbol: sym, Qty: qty})
		snap.LiquidationValue = snap.LiquidationValue.Add(s.quotes[sym].Mul(decimal.NewFromInt(qty)))
	}
	return snap, nil
}

func (s *SimulatorGateway) checkAccount(accountID string) error {
	if accountID != "" && accountID != s.accountID {
		return fmt.Errorf("simulator: unknown account %s", accountID)
	}
	return nil
}

// tryFill fills a working limit order if the quote crossed. Must be called
// with mu held.
func (s *SimulatorGateway) tryFill(o *simOrder) {
	if o.status.Terminal() || o.req.Style != domain.StyleLimit || o.req.LimitPrice == nil {
		return
	}
	last := s.quotes[o.req.Symbol]
	limit := *o.req.LimitPrice
	if (o.req.Side == domain.SideBuy && last.LessThanOrEqual(limit)) ||
		(o.req.Side == domain.SideSell && last.GreaterThanOrEqual(limit)) {
		s.fill(o)
	}
}

// fill executes the rest of o at the current quote. Must be called with mu
// held.
func (s *SimulatorGateway) fill(o *simOrder) {
	price := s.quotes[o.req.Symbol]
	qty := o.req.Quantity - o.filled
	notional := price.Mul(decimal.NewFromInt(qty))

	if o.req.Side == domain.SideBuy {
		s.positions[o.req.Symbol] += qty
		s.cash = s.cash.Sub(notional)
	} else {
		s.positions[o.req.Symbol] -= qty
		s.cash = s.cash.Add(notional)
	}

	o.avg = price
	o.filled = o.req.Quantity
	o.status = domain.OrderStatusFilled
}
