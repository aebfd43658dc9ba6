package clearing

import (
	"context"
	"fmt"
	"sync"
)

// TradeStore is the append-only trade history.
type TradeStore interface {
	// Append persists a finalized trade. PENDING trades are refused.
	Append(ctx context.Context, t *Trade) error
	// Recent returns up to limit trades, newest first.
	Recent(ctx context.Context, limit int) ([]Trade, error)
	// ByClient returns every trade of one client, newest first.
	ByClient(ctx context.Context, clientID string) ([]Trade, error)
	CountByStatus(ctx context.Context) (map[TradeStatus]int64, error)
}

// CheckAppendable is the precondition every TradeStore enforces on Append.
func CheckAppendable(t *Trade) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: missing trade id", ErrInvalidTrade)
	}
	if !t.Status.Final() {
		return fmt.Errorf("trade %s is %s: %w", t.ID, t.Status, ErrPendingTrade)
	}
	return nil
}

// MemoryTradeStore keeps trades in insertion order.
type MemoryTradeStore struct {
	mu     sync.RWMutex
	trades []Trade
	ids    map[string]struct{}
}

func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{ids: make(map[string]struct{})}
}

func (s *MemoryTradeStore) Append(ctx context.Context, t *Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckAppendable(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[t.ID]; ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrDuplicateTrade)
	}
	s.ids[t.ID] = struct{}{}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryTradeStore) Recent(ctx context.Context, limit int) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.trades) {
		limit = len(s.trades)
	}
	out := make([]Trade, 0, limit)
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

func (s *MemoryTradeStore) ByClient(ctx context.Context, clientID string) ([]Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].ClientID == clientID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *MemoryTradeStore) CountByStatus(ctx context.Context) (map[TradeStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[TradeStatus]int64)
	for _, t := range s.trades {
		counts[t.Status]++
	}
	return counts, nil
}

// All returns every trade in insertion order.
func (s *MemoryTradeStore) All() []Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trade, len(s.trades))
	copy(out, s.trades)
	return out
}
