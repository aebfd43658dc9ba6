package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountReader is the read side the validator needs.
type AccountReader interface {
	Accounts(ctx context.Context) ([]Account, error)
}

// InvariantValidator checks ledger invariants against committed state.
type InvariantValidator struct {
	reader AccountReader
}

func NewInvariantValidator(reader AccountReader) *InvariantValidator {
	return &InvariantValidator{reader: reader}
}

// ValidateNonNegative checks balance >= 0 for every account.
func (v *InvariantValidator) ValidateNonNegative(ctx context.Context) error {
	accounts, err := v.reader.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.Balance.IsNegative() {
			return fmt.Errorf("account %s has negative balance: %s", a.ClientID, a.Balance)
		}
	}
	return nil
}

// ValidateConservation checks provisioned == Σ balances + Σ cleared margin.
func (v *InvariantValidator) ValidateConservation(ctx context.Context, provisioned, clearedMargin decimal.Decimal) error {
	accounts, err := v.reader.Accounts(ctx)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
	}
	if !provisioned.Equal(total.Add(clearedMargin)) {
		return fmt.Errorf("conservation violated: provisioned=%s balances=%s cleared=%s",
			provisioned.StringFixed(2), total.StringFixed(2), clearedMargin.StringFixed(2))
	}
	return nil
}

// ReplayJournal rebuilds account state from entries in commit order and
// checks every entry's balance_after and revision against the running state.
func ReplayJournal(entries []Journal) (map[string]Account, error) {
	state := make(map[string]Account)
	for _, j := range entries {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		a, seen := state[j.ClientID]
		switch {
		case j.Kind == JournalProvision && seen:
			return nil, fmt.Errorf("journal %s provisions %s twice", j.JournalID, j.ClientID)
		case j.Kind != JournalProvision && !seen:
			return nil, fmt.Errorf("journal %s mutates unprovisioned %s", j.JournalID, j.ClientID)
		}
		if j.Kind == JournalProvision {
			a = Account{ClientID: j.ClientID}
		} else {
			a.Revision++
		}
		a.Balance = a.Balance.Add(j.Signed())
		if !a.Balance.Equal(j.BalanceAfter) {
			return nil, fmt.Errorf("journal %s: replayed balance %s, recorded %s", j.JournalID, a.Balance, j.BalanceAfter)
		}
		if a.Revision != j.Revision {
			return nil, fmt.Errorf("journal %s: replayed revision %d, recorded %d", j.JournalID, a.Revision, j.Revision)
		}
		state[j.ClientID] = a
	}
	return state, nil
}

// ValidateJournal replays entries and compares the result with committed state.
func (v *InvariantValidator) ValidateJournal(ctx context.Context, entries []Journal) error {
	replayed, err := ReplayJournal(entries)
	if err != nil {
		return err
	}
	accounts, err := v.reader.Accounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) != len(replayed) {
		return fmt.Errorf("journal covers %d accounts, ledger has %d", len(replayed), len(accounts))
	}
	for _, a := range accounts {
		r, ok := replayed[a.ClientID]
		if !ok || !r.Balance.Equal(a.Balance) || r.Revision != a.Revision {
			return fmt.Errorf("account %s: ledger %s@%d, journal %s@%d",
				a.ClientID, a.Balance, a.Revision, r.Balance, r.Revision)
		}
	}
	return nil
}
