// Package store defines storage interfaces for the execution journal and the
// intraday bar archive, with SQLite and Parquet implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"orderpilot/internal/domain"
)

// BarStore persists and retrieves intraday OHLCV bars.
type BarStore interface {
	// WriteBars persists bars of the given timeframe, replacing bars with the
	// same symbol and timestamp.
	WriteBars(ctx context.Context, timeframe string, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], oldest first.
	ReadBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Bar, error)
}

// ExecutionStore journals the terminal result of each order execution.
type ExecutionStore interface {
	// SaveExecution inserts rec and sets rec.ID.
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error

	// ListExecutions returns the most recent executions, newest first. An
	// empty symbol matches all symbols.
	ListExecutions(ctx context.Context, symbol string, limit int) ([]ExecutionRecord, error)
}

// ExecutionRecord is one journaled execution. BrokerOrderID is the last
// order id known to be live, which is what a manual reconciliation needs.
type ExecutionRecord struct {
	ID            int64
	Symbol        string
	Side          string
	Style         string
	Quantity      int64
	BrokerOrderID string
	Status        string
	FilledQty     int64
	AvgFillPrice  string
	Escalations   int
	StartedAt     time.Time
	FinishedAt    time.Time
	Error         string
}

// TimeframeLabel names a bar granularity for storage paths, e.g. "5min".
func TimeframeLabel(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dday", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dhour", d/time.Hour)
	default:
		return fmt.Sprintf("%dmin", d/time.Minute)
	}
}
