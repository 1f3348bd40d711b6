package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"orderpilot/internal/domain"
	"orderpilot/internal/util"
)

// Compile-time interface checks.
var _ Gateway = (*AlpacaGateway)(nil)
var _ Clock = (*AlpacaClock)(nil)

const (
	readAttempts   = 3
	readRetryDelay = 500 * time.Millisecond

	cancelConfirmReads = 5
	cancelConfirmDelay = 200 * time.Millisecond
)

// AlpacaGateway implements Gateway using the Alpaca trading and market-data
// APIs. Alpaca credentials are scoped to a single account, so the accountID
// argument of order calls is not sent; GetAccountSnapshot rejects a
// mismatched id.
type AlpacaGateway struct {
	trading  *alpaca.Client
	data     *marketdata.Client
	feed     string
	calendar *util.TradingCalendar
	log      *slog.Logger
}

// NewAlpacaGateway creates an AlpacaGateway configured with the given
// credentials and endpoints. Empty URLs select the SDK defaults.
func NewAlpacaGateway(apiKey, apiSecret, baseURL, dataURL, feed string) (*AlpacaGateway, error) {
	cal, err := util.NewTradingCalendar(domain.MarketUS)
	if err != nil {
		return nil, err
	}

	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}

	return &AlpacaGateway{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data:     marketdata.NewClient(dataOpts),
		feed:     feed,
		calendar: cal,
		log:      slog.Default().With("gateway", "alpaca"),
	}, nil
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string { return "alpaca" }

// PlaceOrder submits a day order. It is never retried: a lost response could
// otherwise double-submit.
func (g *AlpacaGateway) PlaceOrder(ctx context.Context, _ string, req domain.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(req.Quantity)
	r := alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(req.Symbol),
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Style == domain.StyleLimit {
		r.Type = alpaca.Limit
		r.LimitPrice = req.LimitPrice
	}

	order, err := g.trading.PlaceOrder(r)
	if err != nil {
		return "", fmt.Errorf("%w: PlaceOrder %s: %w", domain.ErrBrokerUnavailable, req.Symbol, err)
	}
	return order.ID, nil
}

// ReplaceOrder cancels orderID and places req in its place. Alpaca cannot
// change an order's type in place, so the cancel is confirmed first and the
// replacement quantity is capped at what the cancelled order left unfilled.
func (g *AlpacaGateway) ReplaceOrder(ctx context.Context, accountID, orderID string, req domain.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := g.trading.CancelOrder(orderID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return "", fmt.Errorf("%w: %s", domain.ErrOrderNotReplaceable, apiErr.Message)
		}
		return "", fmt.Errorf("%w: CancelOrder %s: %w", domain.ErrBrokerUnavailable, orderID, err)
	}

	var report domain.OrderReport
	for i := 0; i < cancelConfirmReads; i++ {
		r, err := g.GetOrder(ctx, accountID, orderID)
		if err != nil {
			return "", err
		}
		report = r
		if report.Status.Terminal() {
			break
		}
		if err := util.Sleep(ctx, cancelConfirmDelay); err != nil {
			return "", err
		}
	}

	switch {
	case report.Status == domain.OrderStatusFilled || report.RemainingQty <= 0:
		return "", fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotReplaceable, orderID, report.Status)
	case !report.Status.Terminal():
		return "", fmt.Errorf("%w: cancel of %s not confirmed (status %s)", domain.ErrBrokerUnavailable, orderID, report.Status)
	}

	if req.Quantity > report.RemainingQty {
		g.log.Warn("replacement quantity capped", "orderID", orderID, "requested", req.Quantity, "remaining", report.RemainingQty)
		req.Quantity = report.RemainingQty
	}
	return g.PlaceOrder(ctx, accountID, req)
}

// GetOrder returns the current status of an order. Polling reads are not
// retried; a failure surfaces as ErrBrokerUnavailable.
func (g *AlpacaGateway) GetOrder(ctx context.Context, _ string, orderID string) (domain.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderReport{}, err
	}
	o, err := g.trading.GetOrder(orderID)
	if err != nil {
		return domain.OrderReport{}, fmt.Errorf("%w: GetOrder %s: %w", domain.ErrBrokerUnavailable, orderID, err)
	}
	return toReport(o), nil
}

// GetQuote returns the latest trade price for symbol.
func (g *AlpacaGateway) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var trade *marketdata.Trade
	err := util.Retry(ctx, readAttempts, readRetryDelay, func() error {
		t, err := g.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: g.feed})
		if err != nil {
			return classify(err)
		}
		trade = t
		return nil
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: GetLatestTrade %s: %w", domain.ErrBrokerUnavailable, symbol, err)
	}
	if trade == nil {
		return domain.Quote{}, fmt.Errorf("%w: no trade for %s", domain.ErrInsufficientData, symbol)
	}
	return domain.Quote{
		Symbol:    strings.ToUpper(symbol),
		LastPrice: decimal.NewFromFloat(trade.Price),
		Timestamp: trade.Timestamp,
	}, nil
}

// GetPriceHistory fetches bars and keeps only regular-session bars from the
// last req.Sessions sessions, matching what a regular-hours chart shows.
func (g *AlpacaGateway) GetPriceHistory(ctx context.Context, symbol string, req HistoryRequest) ([]domain.Bar, error) {
	tf, err := timeFrame(req.Granularity)
	if err != nil {
		return nil, err
	}
	sessions := max(req.Sessions, 1)
	end := req.End
	if end.IsZero() {
		end = time.Now()
	}
	// Calendar days generously covering weekends and a holiday.
	start := end.AddDate(0, 0, -(sessions*7/5 + 4))

	var raw []marketdata.Bar
	err = util.Retry(ctx, readAttempts, readRetryDelay, func() error {
		bars, err := g.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      g.feed,
		})
		if err != nil {
			return classify(err)
		}
		raw = bars
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GetBars %s: %w", domain.ErrBrokerUnavailable, symbol, err)
	}

	intraday := req.Granularity < 24*time.Hour
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		if intraday && !g.calendar.InSession(ab.Timestamp) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return LastSessions(bars, sessions, g.calendar.Location()), nil
}

// GetAccountSnapshot returns positions and balances.
func (g *AlpacaGateway) GetAccountSnapshot(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	var (
		acct      *alpaca.Account
		positions []alpaca.Position
	)
	err := util.Retry(ctx, readAttempts, readRetryDelay, func() error {
		a, err := g.trading.GetAccount()
		if err != nil {
			return classify(err)
		}
		p, err := g.trading.GetPositions()
		if err != nil {
			return classify(err)
		}
		acct, positions = a, p
		return nil
	})
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("%w: GetAccount: %w", domain.ErrBrokerUnavailable, err)
	}
	if accountID != "" && acct.ID != accountID {
		return domain.AccountSnapshot{}, fmt.Errorf("credentials belong to account %s, not %s", acct.ID, accountID)
	}

	snap := domain.AccountSnapshot{
		AccountID:        acct.ID,
		AvailableFunds:   acct.Cash,
		LiquidationValue: acct.Equity,
	}
	for _, p := range positions {
		snap.Positions = append(snap.Positions, domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return snap, nil
}

// ---------------------------------------------------------------------------
// AlpacaClock
// ---------------------------------------------------------------------------

// AlpacaClock reports market hours from the Alpaca /v2/clock endpoint.
type AlpacaClock struct {
	client *alpaca.Client
}

// NewAlpacaClock creates an AlpacaClock with the given credentials.
func NewAlpacaClock(apiKey, apiSecret, baseURL string) *AlpacaClock {
	return &AlpacaClock{client: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})}
}

// IsOpen reports whether the market is open now.
func (c *AlpacaClock) IsOpen(ctx context.Context) (bool, error) {
	var open bool
	err := util.Retry(ctx, readAttempts, readRetryDelay, func() error {
		clock, err := c.client.GetClock()
		if err != nil {
			return classify(err)
		}
		open = clock.IsOpen
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: GetClock: %w", domain.ErrBrokerUnavailable, err)
	}
	return open, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func toReport(o *alpaca.Order) domain.OrderReport {
	var qty decimal.Decimal
	if o.Qty != nil {
		qty = *o.Qty
	}
	avg := decimal.Zero
	if o.FilledAvgPrice != nil {
		avg = *o.FilledAvgPrice
	}
	remaining := qty.Sub(o.FilledQty)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return domain.OrderReport{
		BrokerOrderID: o.ID,
		Status:        orderStatus(o.Status),
		FilledQty:     o.FilledQty.IntPart(),
		RemainingQty:  remaining.IntPart(),
		AvgFillPrice:  avg,
	}
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel",
		"pending_replace", "calculated", "held", "stopped":
		return domain.OrderStatusWorking
	default:
		return domain.OrderStatusUnknown
	}
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return util.Permanent(err)
	}
	return err
}

func timeFrame(d time.Duration) (marketdata.TimeFrame, error) {
	const day = 24 * time.Hour
	switch {
	case d <= 0:
		return marketdata.TimeFrame{}, fmt.Errorf("invalid bar granularity %s", d)
	case d%day == 0:
		return marketdata.NewTimeFrame(int(d/day), marketdata.Day), nil
	case d%time.Hour == 0:
		return marketdata.NewTimeFrame(int(d/time.Hour), marketdata.Hour), nil
	case d%time.Minute == 0:
		return marketdata.NewTimeFrame(int(d/time.Minute), marketdata.Min), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("bar granularity %s is not a whole number of minutes", d)
	}
}

// LastSessions keeps bars belonging to the newest n distinct local dates.
func LastSessions(bars []domain.Bar, n int, loc *time.Location) []domain.Bar {
	seen := 0
	last := ""
	for i := len(bars) - 1; i >= 0; i-- {
		d := bars[i].Timestamp.In(loc).Format(util.DateLayout)
		if d != last {
			seen++
			last = d
			if seen > n {
				return bars[i+1:]
			}
		}
	}
	return bars
}
