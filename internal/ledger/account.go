package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidClientID = errors.New("invalid client id")
)

// Account is the committed state of one client's margin account.
type Account struct {
	ClientID string          `json:"client_id"`
	Balance  decimal.Decimal `json:"balance"`
	Revision int64           `json:"revision"`
}

// DebitOutcome is the business result of a debit attempt.
type DebitOutcome uint8

const (
	Debited DebitOutcome = iota + 1
	InsufficientFunds
)

func (o DebitOutcome) String() string {
	switch o {
	case Debited:
		return "DEBITED"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	default:
		return fmt.Sprintf("DebitOutcome(%d)", uint8(o))
	}
}

// DebitResult reports the balance after a debit, or the untouched balance
// when funds were insufficient.
type DebitResult struct {
	Outcome  DebitOutcome
	Balance  decimal.Decimal
	Revision int64
}

func (r DebitResult) OK() bool { return r.Outcome == Debited }

// RecordFunc persists the outcome of a debit attempt while the account is
// still locked. A non-nil error discards the attempt.
type RecordFunc func(ctx context.Context, res DebitResult) error

// AccountLedger owns every account balance. Check-then-debit is atomic per
// client; operations on different clients never wait on each other.
type AccountLedger interface {
	Provision(ctx context.Context, clientID string, initial decimal.Decimal) (Account, error)
	TryDebit(ctx context.Context, clientID string, amount decimal.Decimal) (DebitResult, error)
	DebitAndRecord(ctx context.Context, clientID string, amount decimal.Decimal, record RecordFunc) (DebitResult, error)
	Refund(ctx context.Context, clientID string, amount decimal.Decimal) (Account, error)
	GetBalance(ctx context.Context, clientID string) (decimal.Decimal, error)
	Account(ctx context.Context, clientID string) (Account, error)
	Accounts(ctx context.Context) ([]Account, error)
}
