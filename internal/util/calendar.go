package util

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // embedded zone database for hosts without one

	"orderpilot/internal/domain"
)

// Layouts used for ledger dates and diagnostic log stamps.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02T15:04:05"
)

var (
	nyOnce sync.Once
	nyLoc  *time.Location
)

// TradingLocation returns America/New_York.
func TradingLocation() *time.Location {
	nyOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("EST", -5*60*60)
		}
		nyLoc = loc
	})
	return nyLoc
}

// TradingCalendar provides regular-session awareness for a specific market.
// It knows weekends but not exchange holidays; prefer the broker clock when
// one is available.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
	open   time.Duration // offset from local midnight
	close  time.Duration
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) (*TradingCalendar, error) {
	switch market {
	case domain.MarketUS:
		return &TradingCalendar{
			market: market,
			loc:    TradingLocation(),
			open:   9*time.Hour + 30*time.Minute,
			close:  16 * time.Hour,
		}, nil
	default:
		return nil, fmt.Errorf("no calendar for market %q", market)
	}
}

// Location returns the calendar's time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SessionBounds returns the regular session open and close on t's local date.
func (tc *TradingCalendar) SessionBounds(t time.Time) (open, close time.Time) {
	lt := t.In(tc.loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, tc.loc)
	return midnight.Add(tc.open), midnight.Add(tc.close)
}

// IsTradingDay reports whether t falls on a weekday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// IsMarketOpen returns whether the regular session is in progress at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	open, close := tc.SessionBounds(t)
	return !t.Before(open) && t.Before(close)
}

// InSession reports whether a bar starting at t lies inside the regular
// session.
func (tc *TradingCalendar) InSession(t time.Time) bool {
	return tc.IsMarketOpen(t)
}

// NextOpen returns the next regular session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	for day := t; ; day = day.AddDate(0, 0, 1) {
		open, _ := tc.SessionBounds(day)
		if tc.IsTradingDay(day) && !open.Before(t) {
			return open
		}
	}
}

// NextClose returns the next regular session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	for day := t; ; day = day.AddDate(0, 0, 1) {
		_, close := tc.SessionBounds(day)
		if tc.IsTradingDay(day) && !close.Before(t) {
			return close
		}
	}
}
