package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpilot/internal/domain"
	"orderpilot/internal/util"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, Create(path))
	// 2025-03-05 03:00 UTC is still 2025-03-04 in New York.
	now := time.Date(2025, 3, 5, 3, 0, 0, 0, time.UTC)
	return New(path, WithClock(func() time.Time { return now }))
}

func f(v float64) *float64 { return &v }

func TestOpenPrependsAndStampsDate(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Open(domain.TradeRecord{Symbol: "aapl", BuyPrice: f(100)})
	require.NoError(t, err)
	rec, err := l.Open(domain.TradeRecord{Symbol: "MSFT", BuyPrice: f(300), Quantity: 2})
	require.NoError(t, err)

	assert.Equal(t, "2025-03-04", rec.Date)

	records, err := l.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "MSFT", records[0].Symbol)
	assert.Equal(t, "AAPL", records[1].Symbol)
	assert.Equal(t, int64(2), records[0].Quantity)
}

func TestOpenWithoutCloseIsTolerated(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		_, err := l.Open(domain.TradeRecord{Symbol: "SPY", BuyPrice: f(500)})
		require.NoError(t, err)
	}
	records, err := l.Records()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL", BuyPrice: f(100)})
	require.NoError(t, err)

	closed, err := l.Close("AAPL", 105)
	require.NoError(t, err)
	assert.True(t, closed)

	once, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	closed, err = l.Close("AAPL", 105)
	require.NoError(t, err)
	assert.False(t, closed)

	twice, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))

	head, ok, err := l.PeekHead()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 105.0, *head.SellPrice)
	assert.False(t, head.Open())
}

func TestCloseMismatchedSymbolIsNoop(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL", BuyPrice: f(100)})
	require.NoError(t, err)

	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	closed, err := l.Close("TSLA", 200)
	require.NoError(t, err)
	assert.False(t, closed)

	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	head, _, err := l.PeekHead()
	require.NoError(t, err)
	assert.True(t, head.Open())
	assert.Nil(t, head.SellPrice)
}

func TestCloseOnlyTargetsHead(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL", BuyPrice: f(100)})
	require.NoError(t, err)
	_, err = l.Open(domain.TradeRecord{Symbol: "MSFT", BuyPrice: f(300)})
	require.NoError(t, err)

	closed, err := l.Close("AAPL", 110)
	require.NoError(t, err)
	assert.False(t, closed, "older open record must not be closed")

	records, err := l.Records()
	require.NoError(t, err)
	assert.Nil(t, records[1].SellPrice)
}

func TestCloseIsIdempotentWithoutPrices(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL"})
	require.NoError(t, err)

	closed, err := l.Close("AAPL", 105)
	require.NoError(t, err)
	assert.True(t, closed)

	once, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	closed, err = l.Close("AAPL", 105)
	require.NoError(t, err)
	assert.False(t, closed)

	twice, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))

	head, _, err := l.PeekHead()
	require.NoError(t, err)
	assert.Nil(t, head.BuyPrice)
	assert.Equal(t, 105.0, *head.SellPrice)
}

func TestCloseLeavesSoldHeadAlone(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(domain.TradeRecord{Symbol: "TSLA", SellPrice: f(250)})
	require.NoError(t, err)

	closed, err := l.Close("TSLA", 240)
	require.NoError(t, err)
	assert.False(t, closed)

	head, _, err := l.PeekHead()
	require.NoError(t, err)
	assert.Nil(t, head.BuyPrice)
	assert.Equal(t, 250.0, *head.SellPrice)
}

func TestEmptyLedger(t *testing.T) {
	l := newTestLedger(t)

	_, ok, err := l.PeekHead()
	require.NoError(t, err)
	assert.False(t, ok)

	closed, err := l.Close("AAPL", 1)
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestMissingLedgerIsStale(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL"})
	assert.ErrorIs(t, err, domain.ErrStalePersistedState)

	_, _, err = l.PeekHead()
	assert.ErrorIs(t, err, domain.ErrStalePersistedState)

	_, statErr := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(statErr), "a missing ledger must not be recreated")
}

func TestUnparsableLedgerIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	garbage := []byte("date: [unterminated\n")
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	l := New(path)
	_, err := l.Open(domain.TradeRecord{Symbol: "AAPL"})
	assert.ErrorIs(t, err, domain.ErrStalePersistedState)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, garbage, data, "history must not be overwritten")
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, Create(path))
	assert.Error(t, Create(path))
}

func TestReadsHandEditedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	content := "- buy_price: 12.5\n  date: '2021-06-01'\n  symbol: AMC\n  note: gap up\n- buy_price: 10.0\n  date: '2021-05-28'\n  sell_price: 11.0\n  symbol: GME\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l := New(path)
	records, err := l.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AMC", records[0].Symbol)
	assert.True(t, records[0].Open())
	assert.Equal(t, "gap up", records[0].Extra["note"])
	assert.False(t, records[1].Open())

	closed, err := l.Close("AMC", 13)
	require.NoError(t, err)
	assert.True(t, closed)

	records, err = l.Records()
	require.NoError(t, err)
	assert.Equal(t, "gap up", records[0].Extra["note"], "caller fields survive a rewrite")
}

func TestConcurrentOpens(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Open(domain.TradeRecord{Symbol: "SPY", BuyPrice: f(1)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := l.Records()
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestDateUsesTradingLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, Create(path))
	now := time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)
	l := New(path, WithClock(func() time.Time { return now }), WithLocation(util.TradingLocation()))

	rec, err := l.Open(domain.TradeRecord{Symbol: "QQQ"})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", rec.Date)
}
