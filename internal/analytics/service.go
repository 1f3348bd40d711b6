package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orderpilot/internal/broker"
	"orderpilot/internal/domain"
	"orderpilot/internal/store"
	"orderpilot/internal/util"
)

// archiveLookback is how far back the archive is searched when the gateway
// cannot serve history.
const archiveLookback = 10 * 24 * time.Hour

// Service fetches bars from a Gateway and computes indicators for a symbol.
// When an archive is configured, every fetched series is also written to it,
// and it serves as the fallback source when the gateway fails.
type Service struct {
	gw      broker.Gateway
	archive store.BarStore
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithArchive persists fetched bars to bs.
func WithArchive(bs store.BarStore) Option { return func(s *Service) { s.archive = bs } }

// WithClock overrides the time source for archive lookups.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates a Service reading bars through gw.
func NewService(gw broker.Gateway, opts ...Option) *Service {
	s := &Service{
		gw:  gw,
		now: time.Now,
		log: slog.Default().With("component", "analytics"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ATR returns the one-minute ATR over the most recent bars of today's session.
func (s *Service) ATR(ctx context.Context, symbol string) (float64, error) {
	bars, err := s.history(ctx, symbol, time.Minute, 1)
	if err != nil {
		return 0, err
	}
	return ATR(bars)
}

// RelativeVolume compares today's five-minute volume so far against the
// previous session's.
func (s *Service) RelativeVolume(ctx context.Context, symbol string) (bool, error) {
	bars, err := s.history(ctx, symbol, 5*time.Minute, 2)
	if err != nil {
		return false, err
	}
	return RelativeVolumeUp(bars)
}

// LastCloses returns the last n one-minute closes, oldest first. n <= 0
// selects DefaultCloses.
func (s *Service) LastCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	if n <= 0 {
		n = DefaultCloses
	}
	bars, err := s.history(ctx, symbol, time.Minute, 1)
	if err != nil {
		return nil, err
	}
	return RecentCloses(bars, n), nil
}

func (s *Service) history(ctx context.Context, symbol string, granularity time.Duration, sessions int) ([]domain.Bar, error) {
	tf := store.TimeframeLabel(granularity)
	bars, err := s.gw.GetPriceHistory(ctx, symbol, broker.HistoryRequest{
		Granularity: granularity,
		Sessions:    sessions,
	})
	if err != nil {
		if archived := s.archived(ctx, symbol, tf, sessions); len(archived) > 0 {
			s.log.Warn("serving archived bars", "symbol", symbol, "timeframe", tf, "bars", len(archived), "err", err)
			return archived, nil
		}
		return nil, fmt.Errorf("fetching %s bars for %s: %w", granularity, symbol, err)
	}
	if s.archive != nil && len(bars) > 0 {
		if err := s.archive.WriteBars(ctx, tf, bars); err != nil {
			s.log.Warn("archiving bars", "symbol", symbol, "timeframe", tf, "err", err)
		}
	}
	return bars, nil
}

// archived returns the newest sessions of archived bars, or nil.
func (s *Service) archived(ctx context.Context, symbol, tf string, sessions int) []domain.Bar {
	if s.archive == nil {
		return nil
	}
	end := s.now()
	bars, err := s.archive.ReadBars(ctx, symbol, tf, end.Add(-archiveLookback), end)
	if err != nil {
		s.log.Warn("reading archived bars", "symbol", symbol, "timeframe", tf, "err", err)
		return nil
	}
	return broker.LastSessions(bars, sessions, util.TradingLocation())
}
