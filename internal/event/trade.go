package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubjectPrefix roots every outbound trade outcome subject.
const SubjectPrefix = "margin.trades"

// TradeEvent announces a finalized trade to downstream consumers.
// Idempotency key: trade_id.
type TradeEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	TradeID        string          `json:"trade_id"`
	RequestID      string          `json:"request_id,omitempty"`
	ClientID       string          `json:"client_id"`
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	MarginRequired decimal.Decimal `json:"margin_required"`
	Status         string          `json:"status"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

func (e *TradeEvent) IdempotencyKey() string {
	return e.TradeID
}

// Subject is margin.trades.<status>.<client_id>, status lower-cased.
func (e *TradeEvent) Subject() string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, strings.ToLower(e.Status), SubjectToken(e.ClientID))
}

// SubjectToken makes s safe for use as a single NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
