// Package ledger keeps the durable trade history: a YAML sequence of trade
// records, newest first, where only the head record may be closed.
//
// Every operation reads and rewrites the whole file. Writers are serialized
// by an in-process mutex and an advisory file lock, so two processes sharing
// a ledger cannot interleave their read-modify-write cycles.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"orderpilot/internal/domain"
	"orderpilot/internal/util"
)

// Ledger is a file-backed trade history.
type Ledger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	loc  *time.Location
	log  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to stamp record dates.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation overrides the trading-calendar time zone for record dates.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New returns a Ledger backed by path. The file must already exist; see
// Create.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path: path,
		now:  time.Now,
		loc:  util.TradingLocation(),
		log:  slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create initializes an empty ledger at path. It fails if the file exists.
func Create(path string) error {
	if err := util.CreateExclusive(path, []byte("[]\n")); err != nil {
		return fmt.Errorf("creating ledger: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Open stamps rec with today's trading date and prepends it. An existing
// open head is not checked; opening twice without closing is a caller error
// that the ledger tolerates.
func (l *Ledger) Open(rec domain.TradeRecord) (domain.TradeRecord, error) {
	rec.Symbol = strings.ToUpper(rec.Symbol)
	rec.Date = l.now().In(l.loc).Format(util.DateLayout)

	err := l.update(func(records []domain.TradeRecord) ([]domain.TradeRecord, bool) {
		return append([]domain.TradeRecord{rec}, records...), true
	})
	if err != nil {
		return domain.TradeRecord{}, err
	}
	l.log.Info("trade opened", "symbol", rec.Symbol, "date", rec.Date)
	return rec, nil
}

// Close sets the sell price on the head record when its symbol matches and
// it has none yet. Any other call is a silent no-op, so repeating a close or
// naming the wrong symbol never changes history. It reports whether the head
// was closed.
func (l *Ledger) Close(symbol string, price float64) (bool, error) {
	symbol = strings.ToUpper(symbol)
	closed := false

	err := l.update(func(records []domain.TradeRecord) ([]domain.TradeRecord, bool) {
		if len(records) == 0 {
			return records, false
		}
		head := &records[0]
		if head.Symbol != symbol || !head.Open() {
			return records, false
		}
		p := price
		head.SellPrice = &p
		closed = true
		return records, true
	})
	if err != nil {
		return false, err
	}
	if closed {
		l.log.Info("trade closed", "symbol", symbol, "price", price)
	}
	return closed, nil
}

// PeekHead returns the most recent record. ok is false for an empty ledger.
func (l *Ledger) PeekHead() (rec domain.TradeRecord, ok bool, err error) {
	records, err := l.Records()
	if err != nil || len(records) == 0 {
		return domain.TradeRecord{}, false, err
	}
	return records[0], true, nil
}

// Records returns the full history, newest first.
func (l *Ledger) Records() ([]domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// update runs fn over the loaded records under both locks and rewrites the
// file when fn reports a change.
func (l *Ledger) update(fn func([]domain.TradeRecord) ([]domain.TradeRecord, bool)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := util.LockFile(l.path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	records, err := l.load()
	if err != nil {
		return err
	}
	records, changed := fn(records)
	if !changed {
		return nil
	}
	return l.write(records)
}

// load reads and parses the ledger. Must be called with mu held.
func (l *Ledger) load() ([]domain.TradeRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: ledger %s does not exist", domain.ErrStalePersistedState, l.path)
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	var records []domain.TradeRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parsing ledger %s: %v", domain.ErrStalePersistedState, l.path, err)
	}
	return records, nil
}

// write replaces the ledger file. Must be called with mu held.
func (l *Ledger) write(records []domain.TradeRecord) error {
	if records == nil {
		records = []domain.TradeRecord{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err := util.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	return nil
}
