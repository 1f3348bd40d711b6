// Package diaglog is a small durable operational log: a text file holding at
// most MaxLines timestamped lines, oldest dropped first.
package diaglog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"orderpilot/internal/domain"
	"orderpilot/internal/util"
)

// MaxLines is the most lines the log file ever holds.
const MaxLines = 100

// Log is a bounded, file-backed line log. Each Append rewrites the file.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	loc  *time.Location
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source for line stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLocation overrides the time zone of line stamps.
func WithLocation(loc *time.Location) Option {
	return func(l *Log) { l.loc = loc }
}

// New returns a Log backed by path. The file must already exist; see Create.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path: path,
		now:  time.Now,
		loc:  util.TradingLocation(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create initializes an empty log at path. It fails if the file exists.
func Create(path string) error {
	if err := util.CreateExclusive(path, nil); err != nil {
		return fmt.Errorf("creating diagnostic log: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Append adds "<timestamp> <message>" and trims the file to MaxLines.
// Newlines inside message are flattened to keep one event per line.
func (l *Log) Append(message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := util.LockFile(l.path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	lines, err := l.read()
	if err != nil {
		return err
	}
	if n := len(lines); n > MaxLines-1 {
		lines = lines[n-(MaxLines-1):]
	}

	message = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(message)
	lines = append(lines, l.now().In(l.loc).Format(util.TimestampLayout)+" "+message)

	if err := util.WriteFileAtomic(l.path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing diagnostic log: %w", err)
	}
	return nil
}

// Appendf formats according to a format specifier and appends the result.
func (l *Log) Appendf(format string, args ...any) error {
	return l.Append(fmt.Sprintf(format, args...))
}

// Lines returns the current lines, oldest first.
func (l *Log) Lines() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// read must be called with mu held.
func (l *Log) read() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: diagnostic log %s does not exist", domain.ErrStalePersistedState, l.path)
		}
		return nil, fmt.Errorf("reading diagnostic log: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
