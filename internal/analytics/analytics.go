// Package analytics computes intraday indicators over bar series fetched
// through the broker gateway.
package analytics

import (
	"fmt"

	"orderpilot/internal/domain"
)

const (
	// ATRBars is the number of one-minute bars ATR reads; it yields
	// ATRBars-1 true ranges.
	ATRBars = 6

	// BarsPerSession is the number of five-minute bars in a regular
	// 6.5-hour US session.
	BarsPerSession = 78

	// VolumeWindow is how many bars from the start of each session
	// RelativeVolumeUp sums. The last two bars of the session (15:50 to
	// 16:00) are left out so that both days compare the same span.
	VolumeWindow = BarsPerSession - 2

	// DefaultCloses is the number of closes LastCloses returns by default.
	DefaultCloses = 9
)

// ATR returns the mean true range of the last ATRBars bars, where
// TR[i] = max(high[i+1], close[i]) - min(low[i+1], close[i]).
func ATR(bars []domain.Bar) (float64, error) {
	if len(bars) < ATRBars {
		return 0, fmt.Errorf("%w: ATR needs %d bars, got %d", domain.ErrInsufficientData, ATRBars, len(bars))
	}
	window := bars[len(bars)-ATRBars:]

	var sum float64
	for i := 0; i+1 < len(window); i++ {
		prevClose := window[i].Close
		next := window[i+1]
		sum += max(next.High, prevClose) - min(next.Low, prevClose)
	}
	return sum / float64(ATRBars-1), nil
}

// RelativeVolumeUp reports whether volume so far in the current session
// exceeds the previous session's volume over the same window. bars must be
// five-minute bars of two consecutive regular sessions, the previous one
// complete.
func RelativeVolumeUp(bars []domain.Bar) (bool, error) {
	if len(bars) < BarsPerSession {
		return false, fmt.Errorf("%w: relative volume needs a full %d-bar previous session, got %d bars",
			domain.ErrInsufficientData, BarsPerSession, len(bars))
	}
	prev := sumVolume(bars[:VolumeWindow])
	cur := sumVolume(bars[BarsPerSession:min(BarsPerSession+VolumeWindow, len(bars))])
	return cur > prev, nil
}

// RecentCloses returns the closes of the last n bars, oldest first. It
// returns fewer when fewer bars are available.
func RecentCloses(bars []domain.Bar, n int) []float64 {
	if n > len(bars) {
		n = len(bars)
	}
	out := make([]float64, 0, n)
	for _, b := range bars[len(bars)-n:] {
		out = append(out, b.Close)
	}
	return out
}

func sumVolume(bars []domain.Bar) int64 {
	var total int64
	for _, b := range bars {
		total += b.Volume
	}
	return total
}
