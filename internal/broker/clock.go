package broker

import (
	"context"
	"time"

	"orderpilot/internal/util"
)

// Compile-time interface check.
var _ Clock = (*CalendarClock)(nil)

// CalendarClock answers IsOpen from the regular-hours calendar alone. It is
// the fallback when no broker clock is configured and ignores holidays.
type CalendarClock struct {
	cal *util.TradingCalendar
	now func() time.Time
}

// NewCalendarClock creates a CalendarClock over cal. A nil now uses
// time.Now.
func NewCalendarClock(cal *util.TradingCalendar, now func() time.Time) *CalendarClock {
	if now == nil {
		now = time.Now
	}
	return &CalendarClock{cal: cal, now: now}
}

// IsOpen reports whether the regular session is in progress.
func (c *CalendarClock) IsOpen(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.cal.IsMarketOpen(c.now()), nil
}
