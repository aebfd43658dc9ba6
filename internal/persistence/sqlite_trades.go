package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MarginClear/internal/clearing"

	"github.com/mattn/go-sqlite3"
)

const sqliteTradeSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id              TEXT PRIMARY KEY,
	client_id       TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	quantity        INTEGER NOT NULL,
	price           TEXT    NOT NULL,
	margin_required TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_created_at_idx ON trades (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS trades_client_idx ON trades (client_id, created_at DESC, id DESC);
`

// SQLiteTradeStore keeps trade history in a local SQLite file for CLI runs.
// Decimals are stored as text and created_at as epoch microseconds.
type SQLiteTradeStore struct {
	db *sql.DB
}

func NewSQLiteTradeStore(path string) (*SQLiteTradeStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; concurrent clearers queue on the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteTradeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteTradeStore{db: db}, nil
}

func (s *SQLiteTradeStore) Append(ctx context.Context, t *clearing.Trade) error {
	if err := clearing.CheckAppendable(t); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.Symbol, t.Quantity,
		t.Price.StringFixed(2), t.MarginRequired.StringFixed(2), string(t.Status), t.CreatedAt.UnixMicro(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("trade %s: %w", t.ID, clearing.ErrDuplicateTrade)
	}
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteTradeStore) Recent(ctx context.Context, limit int) ([]clearing.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLiteTradeStore) ByClient(ctx context.Context, clientID string) ([]clearing.Trade, error) {
	return s.query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE client_id = ? ORDER BY created_at DESC, id DESC`, clientID)
}

func (s *SQLiteTradeStore) CountByStatus(ctx context.Context) (map[clearing.TradeStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM trades GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *SQLiteTradeStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTradeStore) query(ctx context.Context, q string, args ...interface{}) ([]clearing.Trade, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []clearing.Trade
	for rows.Next() {
		var (
			t      clearing.Trade
			status string
			micros int64
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Symbol, &t.Quantity, &t.Price, &t.MarginRequired, &status, &micros); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Status = clearing.TradeStatus(status)
		t.CreatedAt = time.UnixMicro(micros).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
