package clearing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	fpmath "MarginClear/internal/math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTrade   = errors.New("invalid trade")
	ErrPendingTrade   = errors.New("trade not finalized")
	ErrDuplicateTrade = errors.New("duplicate trade id")
)

type TradeStatus string

const (
	StatusPending  TradeStatus = "PENDING"
	StatusCleared  TradeStatus = "CLEARED"
	StatusRejected TradeStatus = "REJECTED"
)

func (s TradeStatus) Final() bool {
	return s == StatusCleared || s == StatusRejected
}

// ParseTradeStatus accepts any letter case.
func ParseTradeStatus(s string) (TradeStatus, error) {
	st := TradeStatus(strings.ToUpper(s))
	switch st {
	case StatusPending, StatusCleared, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// Trade is the immutable record of one clearing attempt. MarginRequired is
// recorded for rejected trades too; only cleared trades were debited.
type Trade struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	MarginRequired decimal.Decimal `json:"margin_required"`
	Status         TradeStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TradeRequest is the input to Clear. RequestID is an optional caller key
// used by the NATS consumer for de-duplication.
type TradeRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	ClientID  string          `json:"client_id"`
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (r TradeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ClientID) == "":
		return fmt.Errorf("%w: client_id is required", ErrInvalidTrade)
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidTrade)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidTrade, r.Quantity)
	case !r.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidTrade, r.Price)
	case !fpmath.Fits(r.Price, fpmath.MoneyConfig):
		return fmt.Errorf("%w: price %s finer than 0.01", ErrInvalidTrade, r.Price)
	}
	return nil
}
