package query

import "time"

// Money values are rendered with exactly two decimal places.

// TradeResponse represents one recorded trade for API queries.
type TradeResponse struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Quantity       int64     `json:"quantity"`
	Price          string    `json:"price"`
	MarginRequired string    `json:"margin_required"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// AccountResponse represents a margin account for API queries.
type AccountResponse struct {
	ClientID string `json:"client_id"`
	Balance  string `json:"balance"`
	Revision int64  `json:"revision"`
}

// TradeSummary aggregates the trade history.
type TradeSummary struct {
	Total    int64 `json:"total"`
	Cleared  int64 `json:"cleared"`
	Rejected int64 `json:"rejected"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	Accounts         int      `json:"accounts"`
	TotalBalance     string   `json:"total_balance"`
	NegativeAccounts []string `json:"negative_accounts,omitempty"`
}
