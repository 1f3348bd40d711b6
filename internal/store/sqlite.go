package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ExecutionStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	style           TEXT    NOT NULL,
	quantity        INTEGER NOT NULL,
	broker_order_id TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL DEFAULT '',
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  TEXT    NOT NULL DEFAULT '0',
	escalations     INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER NOT NULL,
	error           TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_symbol ON executions (symbol, id);
`

// SQLiteStore implements ExecutionStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveExecution inserts rec and sets its ID.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (symbol, side, style, quantity, broker_order_id, status,
			filled_qty, avg_fill_price, escalations, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.Style, rec.Quantity, rec.BrokerOrderID, rec.Status,
		rec.FilledQty, rec.AvgFillPrice, rec.Escalations,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading execution id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListExecutions returns up to limit executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, symbol string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, style, quantity, broker_order_id, status, filled_qty,
			avg_fill_price, escalations, started_at, finished_at, error
		FROM executions
		WHERE ? = '' OR symbol = ?
		ORDER BY id DESC
		LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			r                 ExecutionRecord
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Style, &r.Quantity, &r.BrokerOrderID,
			&r.Status, &r.FilledQty, &r.AvgFillPrice, &r.Escalations, &started, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
