// Package engine drives a single order from submission to a terminal state.
//
// A limit order is polled at a fixed interval. Once it has rested longer
// than its MaxWait it is escalated: its unfilled remainder is replaced by a
// market order, and polling continues on the replacement's id only. An
// escalation bound and an overall deadline keep the loop finite.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderpilot/internal/broker"
	"orderpilot/internal/domain"
	"orderpilot/internal/store"
	"orderpilot/internal/util"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultMaxEscalations = 3
	DefaultDeadline       = 15 * time.Minute
)

// Diagnostics receives human-readable operational events.
type Diagnostics interface {
	Append(message string) error
}

// Controller executes orders against a Gateway. It holds no per-order state,
// so one Controller may run many executions concurrently.
type Controller struct {
	gw        broker.Gateway
	accountID string

	diag    Diagnostics
	journal store.ExecutionStore
	risk    *RiskManager
	metrics *Metrics

	pollInterval   time.Duration
	maxEscalations int
	deadline       time.Duration
	now            func() time.Time
	log            *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithDiagnostics records escalation events to d.
func WithDiagnostics(d Diagnostics) Option { return func(c *Controller) { c.diag = d } }

// WithJournal records every terminal result to s.
func WithJournal(s store.ExecutionStore) Option { return func(c *Controller) { c.journal = s } }

// WithRiskManager enables the pre-trade notional check.
func WithRiskManager(rm *RiskManager) Option { return func(c *Controller) { c.risk = rm } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithPollInterval sets the status polling interval.
func WithPollInterval(d time.Duration) Option { return func(c *Controller) { c.pollInterval = d } }

// WithMaxEscalations bounds how many times one execution may escalate. Zero
// gives up at the first timeout instead of escalating.
func WithMaxEscalations(n int) Option { return func(c *Controller) { c.maxEscalations = n } }

// WithDeadline bounds the total time one execution may poll. Zero disables
// the bound.
func WithDeadline(d time.Duration) Option { return func(c *Controller) { c.deadline = d } }

// WithClock overrides the time source used for wait accounting.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// NewController creates a Controller placing orders for accountID through gw.
func NewController(gw broker.Gateway, accountID string, opts ...Option) *Controller {
	c := &Controller{
		gw:             gw,
		accountID:      accountID,
		pollInterval:   DefaultPollInterval,
		maxEscalations: DefaultMaxEscalations,
		deadline:       DefaultDeadline,
		now:            time.Now,
		log:            slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute places spec and returns its terminal outcome.
//
// Market orders are read once right after placement and returned. Limit
// orders are priced off the last trade, polled until filled, and escalated
// to market orders for their unfilled remainder after spec.MaxWait. Errors
// are *domain.ExecutionError values carrying the last live order id; a
// CANCELLED or REJECTED limit order is returned without error.
func (c *Controller) Execute(ctx context.Context, spec domain.OrderSpec) (out domain.OrderOutcome, err error) {
	if err := spec.Validate(); err != nil {
		c.metrics.failed(err)
		return domain.OrderOutcome{}, err
	}

	started := c.now()
	defer func() {
		if err != nil {
			c.metrics.failed(err)
		}
		c.record(ctx, spec, started, out, err)
	}()

	req, err := c.prepare(ctx, spec)
	if err != nil {
		return domain.OrderOutcome{}, err
	}

	id, err := c.gw.PlaceOrder(ctx, c.accountID, req)
	if err != nil {
		return domain.OrderOutcome{}, c.fail("place", "", err)
	}
	h := domain.OrderHandle{BrokerOrderID: id, Spec: spec, SubmittedAt: c.now()}
	c.metrics.orderPlaced(spec.Style)
	c.log.Info("order placed",
		"symbol", spec.Symbol,
		"side", spec.Side,
		"style", spec.Style,
		"qty", spec.Quantity,
		"limit", req.LimitPrice,
		"orderID", id,
	)

	if spec.Style == domain.StyleMarket {
		r, err := c.gw.GetOrder(ctx, c.accountID, id)
		if err != nil {
			return unknownOutcome(h, domain.OrderReport{}), c.fail("status", id, err)
		}
		out := domain.OutcomeFromReport(h, r)
		c.metrics.filledIf(out, "market")
		return out, nil
	}

	return c.monitor(ctx, h, started)
}

// prepare builds the broker request, pricing limit orders off the last trade
// and running the optional risk check.
func (c *Controller) prepare(ctx context.Context, spec domain.OrderSpec) (domain.OrderRequest, error) {
	req := domain.OrderRequest{
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Style:         spec.Style,
		Quantity:      spec.Quantity,
		ClientOrderID: uuid.NewString(),
	}
	if spec.Style == domain.StyleMarket && c.risk == nil {
		return req, nil
	}

	q, err := c.gw.GetQuote(ctx, spec.Symbol)
	if err != nil {
		return req, c.fail("quote", "", err)
	}
	price := q.LastPrice
	if spec.Style == domain.StyleLimit {
		price = PegPrice(q.LastPrice, spec.Side, spec.Slippage, *spec.LimitPrice)
		req.LimitPrice = &price
	}

	if c.risk != nil {
		snap, err := c.gw.GetAccountSnapshot(ctx, c.accountID)
		if err != nil {
			return req, c.fail("account", "", err)
		}
		if err := c.risk.CheckOrder(ctx, spec, price, snap); err != nil {
			return req, &domain.ExecutionError{Op: "risk", Err: err}
		}
	}
	return req, nil
}

// monitor polls h until it is terminal, escalating on timeout.
func (c *Controller) monitor(ctx context.Context, h domain.OrderHandle, started time.Time) (domain.OrderOutcome, error) {
	for {
		r, err := c.gw.GetOrder(ctx, c.accountID, h.BrokerOrderID)
		if err != nil {
			return unknownOutcome(h, domain.OrderReport{}), c.fail("poll", h.BrokerOrderID, err)
		}
		if r.Status.Terminal() {
			out := domain.OutcomeFromReport(h, r)
			if h.Escalations > 0 {
				c.metrics.filledIf(out, "escalated")
			} else {
				c.metrics.filledIf(out, "limit")
			}
			return out, nil
		}

		now := c.now()
		if c.deadline > 0 && now.Sub(started) > c.deadline {
			return c.giveUp(h, r, fmt.Sprintf("deadline %s passed", c.deadline))
		}

		if now.Sub(h.SubmittedAt) > h.Spec.MaxWait {
			if h.Escalations >= c.maxEscalations {
				return c.giveUp(h, r, fmt.Sprintf("%d escalations", h.Escalations))
			}
			next, out, done, err := c.escalate(ctx, h)
			if done {
				return out, err
			}
			h = next
		}

		if err := util.Sleep(ctx, c.pollInterval); err != nil {
			return unknownOutcome(h, r), &domain.ExecutionError{Op: "poll", OrderID: h.BrokerOrderID, Err: err}
		}
	}
}

// escalate replaces h's unfilled remainder with a market order. done is set
// when the execution ends here, either because the order turned terminal
// before it could be replaced or because the replace failed. An order with
// nothing left to replace gets a fresh wait instead.
func (c *Controller) escalate(ctx context.Context, h domain.OrderHandle) (domain.OrderHandle, domain.OrderOutcome, bool, error) {
	spec := h.Spec

	r, err := c.gw.GetOrder(ctx, c.accountID, h.BrokerOrderID)
	if err != nil {
		return h, unknownOutcome(h, domain.OrderReport{}), true, c.fail("escalate", h.BrokerOrderID, err)
	}
	if r.Status.Terminal() {
		out, err := c.raceLost(h, r)
		return h, out, true, err
	}
	if r.RemainingQty <= 0 {
		c.log.Debug("nothing left to escalate", "symbol", spec.Symbol, "orderID", h.BrokerOrderID, "status", r.Status)
		h.SubmittedAt = c.now()
		return h, domain.OrderOutcome{}, false, nil
	}

	c.log.Warn("forcing market order",
		"symbol", spec.Symbol,
		"side", spec.Side,
		"orderID", h.BrokerOrderID,
		"remaining", r.RemainingQty,
		"escalation", h.Escalations+1,
	)
	c.diagf("Forcing market order: %s %s, order %s unfilled after %s", spec.Side, spec.Symbol, h.BrokerOrderID, spec.MaxWait)

	req := domain.OrderRequest{
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Style:         domain.StyleMarket,
		Quantity:      r.RemainingQty,
		ClientOrderID: uuid.NewString(),
	}
	newID, err := c.gw.ReplaceOrder(ctx, c.accountID, h.BrokerOrderID, req)
	if errors.Is(err, domain.ErrOrderNotReplaceable) {
		final, rerr := c.gw.GetOrder(ctx, c.accountID, h.BrokerOrderID)
		if rerr != nil {
			return h, unknownOutcome(h, r), true, c.fail("escalate", h.BrokerOrderID, rerr)
		}
		out, err := c.raceLost(h, final)
		return h, out, true, err
	}
	if err != nil {
		return h, unknownOutcome(h, r), true, c.fail("replace", h.BrokerOrderID, err)
	}

	next := h.WithFill(r).Replace(newID, c.now())
	c.metrics.escalated()
	c.log.Info("order replaced",
		"symbol", spec.Symbol,
		"oldOrderID", h.BrokerOrderID,
		"orderID", newID,
		"qty", req.Quantity,
	)
	return next, domain.OrderOutcome{}, false, nil
}

// raceLost handles an order found terminal at escalation time: a fill is a
// success, anything else is reported as ErrEscalationRaceLost.
func (c *Controller) raceLost(h domain.OrderHandle, r domain.OrderReport) (domain.OrderOutcome, error) {
	out := domain.OutcomeFromReport(h, r)
	if r.Status == domain.OrderStatusFilled {
		c.log.Info("order filled before escalation", "symbol", h.Spec.Symbol, "orderID", h.BrokerOrderID)
		c.metrics.filledIf(out, "limit")
		return out, nil
	}
	return out, &domain.ExecutionError{
		Op:      "escalate",
		OrderID: h.BrokerOrderID,
		Err:     fmt.Errorf("%w: order is %s", domain.ErrEscalationRaceLost, r.Status),
	}
}

// giveUp ends the execution with the live order still working.
func (c *Controller) giveUp(h domain.OrderHandle, r domain.OrderReport, reason string) (domain.OrderOutcome, error) {
	c.log.Error("giving up on order", "symbol", h.Spec.Symbol, "orderID", h.BrokerOrderID, "reason", reason)
	c.diagf("Giving up on %s %s: order %s still open after %s", h.Spec.Side, h.Spec.Symbol, h.BrokerOrderID, reason)
	return unknownOutcome(h, r), &domain.ExecutionError{
		Op:      "escalate",
		OrderID: h.BrokerOrderID,
		Err:     fmt.Errorf("%w: %s", domain.ErrEscalationLimit, reason),
	}
}

// fail wraps a gateway error with the last known order id. Errors that are
// not already a known kind are treated as broker unavailability.
func (c *Controller) fail(op, orderID string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrBrokerUnavailable), errors.Is(err, domain.ErrInsufficientData),
		errors.Is(err, domain.ErrOrderNotReplaceable):
	default:
		err = fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
	}
	return &domain.ExecutionError{Op: op, OrderID: orderID, Err: err}
}

func (c *Controller) diagf(format string, args ...any) {
	if c.diag == nil {
		return
	}
	if err := c.diag.Append(fmt.Sprintf(format, args...)); err != nil {
		c.log.Error("writing diagnostic log", "err", err)
	}
}

// record journals the result. It runs even when ctx was cancelled.
func (c *Controller) record(ctx context.Context, spec domain.OrderSpec, started time.Time, out domain.OrderOutcome, err error) {
	if c.journal == nil {
		return
	}
	rec := &store.ExecutionRecord{
		Symbol:        spec.Symbol,
		Side:          string(spec.Side),
		Style:         string(spec.Style),
		Quantity:      spec.Quantity,
		BrokerOrderID: out.BrokerOrderID,
		Status:        string(out.Status),
		FilledQty:     out.TotalFilledQty,
		AvgFillPrice:  out.TotalAvgFillPrice.String(),
		Escalations:   out.Escalations,
		StartedAt:     started,
		FinishedAt:    c.now(),
	}
	if err != nil {
		rec.Error = err.Error()
		if rec.BrokerOrderID == "" {
			rec.BrokerOrderID = domain.LastOrderID(err)
		}
	}
	if jerr := c.journal.SaveExecution(context.WithoutCancel(ctx), rec); jerr != nil {
		c.log.Error("journaling execution", "symbol", spec.Symbol, "err", jerr)
	}
}

func unknownOutcome(h domain.OrderHandle, r domain.OrderReport) domain.OrderOutcome {
	out := domain.OutcomeFromReport(h, r)
	out.Status = domain.OrderStatusUnknown
	return out
}

// PegPrice prices a limit order off the last trade: last × (1 + slippage)
// for buys, last × (1 − slippage) for sells, never worse than bound. The
// result is rounded to cents, or to 1/100 cent below one dollar.
func PegPrice(last decimal.Decimal, side domain.Side, slippage, bound decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	var p decimal.Decimal
	if side == domain.SideBuy {
		p = last.Mul(one.Add(slippage))
		if p.GreaterThan(bound) {
			p = bound
		}
	} else {
		p = last.Mul(one.Sub(slippage))
		if p.LessThan(bound) {
			p = bound
		}
	}
	if p.LessThan(one) {
		return p.Round(4)
	}
	return p.Round(2)
}
