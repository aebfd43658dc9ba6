package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalKind is the kind of balance mutation a journal entry records.
type JournalKind string

const (
	JournalProvision JournalKind = "PROVISION"
	JournalDebit     JournalKind = "DEBIT"
	JournalRefund    JournalKind = "REFUND"
)

// Journal records one committed balance mutation. Amount is always
// non-negative; Kind decides its sign.
type Journal struct {
	JournalID    uuid.UUID       `json:"journal_id"`
	ClientID     string          `json:"client_id"`
	Kind         JournalKind     `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Revision     int64           `json:"revision"`
	Timestamp    time.Time       `json:"created_at"`
}

// Signed returns the entry's effect on the balance.
func (j Journal) Signed() decimal.Decimal {
	if j.Kind == JournalDebit {
		return j.Amount.Neg()
	}
	return j.Amount
}

func (j Journal) Validate() error {
	if j.Amount.IsNegative() {
		return fmt.Errorf("journal %s has negative amount: %s", j.JournalID, j.Amount)
	}
	if j.BalanceAfter.IsNegative() {
		return fmt.Errorf("journal %s leaves %s negative: %s", j.JournalID, j.ClientID, j.BalanceAfter)
	}
	switch j.Kind {
	case JournalProvision, JournalDebit, JournalRefund:
	default:
		return fmt.Errorf("journal %s has unknown kind %q", j.JournalID, j.Kind)
	}
	return nil
}

// NewJournal stamps a fresh journal id on a committed mutation.
func NewJournal(clientID string, kind JournalKind, amount, after decimal.Decimal, revision int64, at time.Time) Journal {
	return Journal{
		JournalID:    uuid.New(),
		ClientID:     clientID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: after,
		Revision:     revision,
		Timestamp:    at,
	}
}
