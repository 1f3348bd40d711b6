// Package orderpilot wires the execution controller, trade ledger,
// diagnostic log, analytics and market clock from a config.Config into a
// single Client.
package orderpilot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"orderpilot/internal/analytics"
	"orderpilot/internal/broker"
	"orderpilot/internal/config"
	"orderpilot/internal/diaglog"
	"orderpilot/internal/domain"
	"orderpilot/internal/engine"
	"orderpilot/internal/ledger"
	"orderpilot/internal/store"
	"orderpilot/internal/util"
)

// Client executes orders and records them in the trade ledger.
type Client struct {
	Controller *engine.Controller
	Ledger     *ledger.Ledger
	Diag       *diaglog.Log
	Analytics  *analytics.Service
	Clock      broker.Clock
	Journal    *store.SQLiteStore

	gw        broker.Gateway
	accountID string
	exec      config.Execution
	log       *slog.Logger
}

type options struct {
	gw    broker.Gateway
	clock broker.Clock
	reg   prometheus.Registerer
	log   *slog.Logger
}

// Option configures NewClient.
type Option func(*options)

// WithGateway uses gw instead of connecting to Alpaca.
func WithGateway(gw broker.Gateway) Option { return func(o *options) { o.gw = gw } }

// WithMarketClock overrides the market clock.
func WithMarketClock(c broker.Clock) Option { return func(o *options) { o.clock = c } }

// WithRegisterer registers execution metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.reg = reg } }

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// NewClient builds a Client from cfg. Without WithGateway it connects to
// Alpaca using cfg.Alpaca. The ledger and diagnostic log files must already
// exist (see InitStorage).
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	gw := o.gw
	clock := o.clock
	if gw == nil {
		ag, err := broker.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
		if err != nil {
			return nil, fmt.Errorf("creating alpaca gateway: %w", err)
		}
		gw = ag
		if clock == nil {
			clock = broker.NewAlpacaClock(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		}
	}
	if clock == nil {
		cal, err := util.NewTradingCalendar(domain.MarketUS)
		if err != nil {
			return nil, err
		}
		clock = broker.NewCalendarClock(cal, nil)
	}
	gw = broker.Throttle(gw, cfg.Execution.RateLimitPerMin, cfg.Execution.MaxConcurrent)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening execution journal: %w", err)
	}

	diag := diaglog.New(cfg.Storage.LogPath)
	led := ledger.New(cfg.Storage.LedgerPath, ledger.WithLogger(o.log.With("component", "ledger")))

	engineOpts := []engine.Option{
		engine.WithDiagnostics(diag),
		engine.WithJournal(journal),
		engine.WithPollInterval(cfg.Execution.PollInterval),
		engine.WithMaxEscalations(cfg.Execution.EscalationLimit()),
		engine.WithDeadline(cfg.Execution.PollDeadline()),
		engine.WithLogger(o.log.With("component", "engine")),
	}
	if cfg.Execution.MaxPositionPct > 0 {
		engineOpts = append(engineOpts, engine.WithRiskManager(engine.NewRiskManager(cfg.Execution.MaxPositionPct)))
	}
	if o.reg != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(engine.NewMetrics(o.reg)))
	}

	analyticsOpts := []analytics.Option{analytics.WithLogger(o.log.With("component", "analytics"))}
	if cfg.Storage.ArchiveBars {
		analyticsOpts = append(analyticsOpts, analytics.WithArchive(store.NewParquetStore(cfg.Storage.DataDir)))
	}

	return &Client{
		Controller: engine.NewController(gw, cfg.Alpaca.AccountID, engineOpts...),
		Ledger:     led,
		Diag:       diag,
		Analytics:  analytics.NewService(gw, analyticsOpts...),
		Clock:      clock,
		Journal:    journal,
		gw:         gw,
		accountID:  cfg.Alpaca.AccountID,
		exec:       cfg.Execution,
		log:        o.log,
	}, nil
}

// InitStorage creates empty ledger and diagnostic log files. Existing files
// are left untouched and reported as errors.
func InitStorage(cfg *config.Config) error {
	if err := ledger.Create(cfg.Storage.LedgerPath); err != nil {
		return err
	}
	return diaglog.Create(cfg.Storage.LogPath)
}

// Close releases the execution journal.
func (c *Client) Close() error {
	return c.Journal.Close()
}

// Gateway returns the throttled gateway the client trades through.
func (c *Client) Gateway() broker.Gateway { return c.gw }

// Spec builds an OrderSpec with the configured wait and slippage. A nil
// limit selects a market order.
func (c *Client) Spec(symbol string, side domain.Side, qty int64, limit *decimal.Decimal) domain.OrderSpec {
	spec := domain.OrderSpec{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Style:    domain.StyleMarket,
	}
	if limit != nil {
		spec.Style = domain.StyleLimit
		spec.LimitPrice = limit
		spec.MaxWait = c.exec.MaxWait
		spec.Slippage = decimal.NewFromFloat(c.exec.Slippage)
	}
	return spec
}

// Buy opens a long position and records it in the ledger once filled.
func (c *Client) Buy(ctx context.Context, symbol string, qty int64, limit *decimal.Decimal) (domain.OrderOutcome, error) {
	out, err := c.Controller.Execute(ctx, c.Spec(symbol, domain.SideBuy, qty, limit))
	if err != nil || out.Status != domain.OrderStatusFilled {
		return out, err
	}

	price := out.TotalAvgFillPrice.InexactFloat64()
	if _, err := c.Ledger.Open(domain.TradeRecord{
		Symbol:   symbol,
		BuyPrice: &price,
		Quantity: out.TotalFilledQty,
		OrderID:  out.BrokerOrderID,
	}); err != nil {
		return out, fmt.Errorf("recording buy of %s: %w", symbol, err)
	}
	return out, nil
}

// Sell liquidates a position and closes the ledger head once filled.
func (c *Client) Sell(ctx context.Context, symbol string, qty int64, limit *decimal.Decimal) (domain.OrderOutcome, error) {
	out, err := c.Controller.Execute(ctx, c.Spec(symbol, domain.SideSell, qty, limit))
	if err != nil || out.Status != domain.OrderStatusFilled {
		return out, err
	}

	closed, err := c.Ledger.Close(symbol, out.TotalAvgFillPrice.InexactFloat64())
	if err != nil {
		return out, fmt.Errorf("recording sell of %s: %w", symbol, err)
	}
	if !closed {
		c.log.Warn("sell filled without an open ledger head", "symbol", symbol, "orderID", out.BrokerOrderID)
	}
	return out, nil
}

// Portfolio returns net holdings by symbol, plus "USD" and "net".
func (c *Client) Portfolio(ctx context.Context) (map[string]decimal.Decimal, error) {
	snap, err := c.gw.GetAccountSnapshot(ctx, c.accountID)
	if err != nil {
		return nil, err
	}
	return broker.Holdings(snap), nil
}
