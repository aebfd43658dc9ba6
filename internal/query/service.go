package query

import (
	"context"
	"fmt"
	"strings"

	"MarginClear/internal/clearing"
	"MarginClear/internal/ledger"

	"github.com/shopspring/decimal"
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 500
)

// AccountSource is the read side of the account ledger.
type AccountSource interface {
	Account(ctx context.Context, clientID string) (ledger.Account, error)
	Accounts(ctx context.Context) ([]ledger.Account, error)
}

// TradeSource is the read side of the trade history.
type TradeSource interface {
	Recent(ctx context.Context, limit int) ([]clearing.Trade, error)
	ByClient(ctx context.Context, clientID string) ([]clearing.Trade, error)
	CountByStatus(ctx context.Context) (map[clearing.TradeStatus]int64, error)
}

// QueryService provides read-only access to accounts and trades. It never
// takes an account lock for longer than a single read.
type QueryService struct {
	accounts AccountSource
	trades   TradeSource
}

func NewQueryService(accounts AccountSource, trades TradeSource) *QueryService {
	return &QueryService{accounts: accounts, trades: trades}
}

// RecentTrades returns the newest trades first. A non-positive limit means
// DefaultRecentLimit; larger limits are capped at MaxRecentLimit.
func (qs *QueryService) RecentTrades(ctx context.Context, limit int) ([]TradeResponse, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	trades, err := qs.trades.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return toTradeResponses(trades), nil
}

// ClientTrades returns every trade of clientID, newest first. Unknown clients
// have an empty history, not an error.
func (qs *QueryService) ClientTrades(ctx context.Context, clientID string) ([]TradeResponse, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: client_id is required", ledger.ErrInvalidClientID)
	}
	trades, err := qs.trades.ByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("trades of %s: %w", clientID, err)
	}
	return toTradeResponses(trades), nil
}

func (qs *QueryService) GetAccount(ctx context.Context, clientID string) (*AccountResponse, error) {
	acct, err := qs.accounts.Account(ctx, clientID)
	if err != nil {
		return nil, err
	}
	resp := toAccountResponse(acct)
	return &resp, nil
}

// ListAccounts returns every account ordered by client id.
func (qs *QueryService) ListAccounts(ctx context.Context) ([]AccountResponse, error) {
	accounts, err := qs.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	return out, nil
}

func (qs *QueryService) Summary(ctx context.Context) (*TradeSummary, error) {
	counts, err := qs.trades.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	s := &TradeSummary{
		Cleared:  counts[clearing.StatusCleared],
		Rejected: counts[clearing.StatusRejected],
	}
	s.Total = s.Cleared + s.Rejected
	return s, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks that no account balance is negative.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	accounts, err := qs.accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &IntegrityReport{Accounts: len(accounts)}
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
		if a.Balance.IsNegative() {
			report.NegativeAccounts = append(report.NegativeAccounts, a.ClientID)
		}
	}
	report.TotalBalance = total.StringFixed(2)
	report.IsHealthy = len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

func toTradeResponses(trades []clearing.Trade) []TradeResponse {
	out := make([]TradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, NewTradeResponse(t))
	}
	return out
}

// NewTradeResponse renders one trade for the API.
func NewTradeResponse(t clearing.Trade) TradeResponse {
	return TradeResponse{
		ID:             t.ID,
		ClientID:       t.ClientID,
		Symbol:         t.Symbol,
		Quantity:       t.Quantity,
		Price:          t.Price.StringFixed(2),
		MarginRequired: t.MarginRequired.StringFixed(2),
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
	}
}

func toAccountResponse(a ledger.Account) AccountResponse {
	return AccountResponse{
		ClientID: a.ClientID,
		Balance:  a.Balance.StringFixed(2),
		Revision: a.Revision,
	}
}
