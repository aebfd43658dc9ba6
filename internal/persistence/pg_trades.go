package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"MarginClear/internal/clearing"
	"MarginClear/internal/observability"
)

// PostgresTradeStore is the durable trade history. Append joins a ledger
// transaction opened on the same pool.
type PostgresTradeStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresTradeStore(db *sql.DB, metrics *observability.Metrics) *PostgresTradeStore {
	return &PostgresTradeStore{db: db, metrics: metrics}
}

const tradeColumns = `id, client_id, symbol, quantity, price, margin_required, status, created_at`

func (s *PostgresTradeStore) Append(ctx context.Context, t *clearing.Trade) error {
	if err := clearing.CheckAppendable(t); err != nil {
		return err
	}
	_, err := execerFor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO trades (`+tradeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ClientID, t.Symbol, t.Quantity, t.Price, t.MarginRequired, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s: %w", t.ID, clearing.ErrDuplicateTrade)
		}
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("trade_append").Inc()
		}
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresTradeStore) Recent(ctx context.Context, limit int) ([]clearing.Trade, error) {
	if limit <= 0 {
		return s.query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC, id DESC`)
	}
	return s.query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

func (s *PostgresTradeStore) ByClient(ctx context.Context, clientID string) ([]clearing.Trade, error) {
	return s.query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE client_id = $1 ORDER BY created_at DESC, id DESC`, clientID)
}

func (s *PostgresTradeStore) CountByStatus(ctx context.Context) (map[clearing.TradeStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM trades GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *PostgresTradeStore) query(ctx context.Context, q string, args ...interface{}) ([]clearing.Trade, error) {
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
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Symbol, &t.Quantity, &t.Price, &t.MarginRequired, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Status = clearing.TradeStatus(status)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanCounts(rows *sql.Rows) (map[clearing.TradeStatus]int64, error) {
	counts := make(map[clearing.TradeStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[clearing.TradeStatus(status)] = n
	}
	return counts, rows.Err()
}
