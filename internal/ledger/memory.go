package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// accountSlot guards one account. The semaphore is the account lock; it is
// acquired with the caller's context so a stuck holder surfaces as a timeout.
type accountSlot struct {
	lock     *semaphore.Weighted
	balance  decimal.Decimal
	revision int64
}

// MemoryLedger is the in-process AccountLedger. The map is only locked long
// enough to find a slot; balance mutations serialize on the slot alone.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*accountSlot

	journalMu sync.Mutex
	journal   []Journal

	clock    func() time.Time
	lockWait func(time.Duration)
}

type MemoryOption func(*MemoryLedger)

// WithClock overrides the journal timestamp source.
func WithClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.clock = clock }
}

// WithLockWaitObserver reports how long each mutation waited for its account lock.
func WithLockWaitObserver(observe func(time.Duration)) MemoryOption {
	return func(l *MemoryLedger) { l.lockWait = observe }
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		accounts: make(map[string]*accountSlot),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) slot(clientID string) (*accountSlot, error) {
	l.mu.RLock()
	s, ok := l.accounts[clientID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, ErrAccountNotFound)
	}
	return s, nil
}

func (l *MemoryLedger) acquire(ctx context.Context, clientID string) (*accountSlot, error) {
	s, err := l.slot(clientID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("lock account %q: %w", clientID, err)
	}
	if l.lockWait != nil {
		l.lockWait(time.Since(start))
	}
	return s, nil
}

func (l *MemoryLedger) record(j Journal) {
	l.journalMu.Lock()
	l.journal = append(l.journal, j)
	l.journalMu.Unlock()
}

func (l *MemoryLedger) Provision(ctx context.Context, clientID string, initial decimal.Decimal) (Account, error) {
	if clientID == "" {
		return Account{}, ErrInvalidClientID
	}
	if initial.IsNegative() {
		return Account{}, fmt.Errorf("initial balance %s: %w", initial, ErrInvalidAmount)
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[clientID]; ok {
		return Account{}, fmt.Errorf("client %q: %w", clientID, ErrAccountExists)
	}
	l.accounts[clientID] = &accountSlot{
		lock:    semaphore.NewWeighted(1),
		balance: initial,
	}
	l.record(NewJournal(clientID, JournalProvision, initial, initial, 0, l.clock()))

	return Account{ClientID: clientID, Balance: initial}, nil
}

// TryDebit subtracts amount when the balance covers it. An uncovered debit
// is reported as InsufficientFunds, not as an error.
func (l *MemoryLedger) TryDebit(ctx context.Context, clientID string, amount decimal.Decimal) (DebitResult, error) {
	return l.DebitAndRecord(ctx, clientID, amount, nil)
}

// DebitAndRecord decides the debit, then runs record with the account lock
// still held. The balance only changes once record returns nil, so no other
// caller ever observes a debit whose trade was not recorded. record sees
// InsufficientFunds outcomes too.
func (l *MemoryLedger) DebitAndRecord(ctx context.Context, clientID string, amount decimal.Decimal, record RecordFunc) (DebitResult, error) {
	if amount.IsNegative() {
		return DebitResult{}, fmt.Errorf("debit %s: %w", amount, ErrInvalidAmount)
	}
	s, err := l.acquire(ctx, clientID)
	if err != nil {
		return DebitResult{}, err
	}
	defer s.lock.Release(1)

	res := DebitResult{Outcome: InsufficientFunds, Balance: s.balance, Revision: s.revision}
	if !s.balance.LessThan(amount) {
		res = DebitResult{Outcome: Debited, Balance: s.balance.Sub(amount), Revision: s.revision + 1}
	}
	if record != nil {
		if err := record(ctx, res); err != nil {
			return DebitResult{}, err
		}
	}
	if !res.OK() {
		return res, nil
	}

	s.balance = res.Balance
	s.revision = res.Revision
	l.record(NewJournal(clientID, JournalDebit, amount, s.balance, s.revision, l.clock()))
	return res, nil
}

// Refund credits amount back. It only undoes a debit whose trade could not
// be recorded.
func (l *MemoryLedger) Refund(ctx context.Context, clientID string, amount decimal.Decimal) (Account, error) {
	if amount.IsNegative() {
		return Account{}, fmt.Errorf("refund %s: %w", amount, ErrInvalidAmount)
	}
	s, err := l.acquire(ctx, clientID)
	if err != nil {
		return Account{}, err
	}
	defer s.lock.Release(1)

	s.balance = s.balance.Add(amount)
	s.revision++
	l.record(NewJournal(clientID, JournalRefund, amount, s.balance, s.revision, l.clock()))

	return Account{ClientID: clientID, Balance: s.balance, Revision: s.revision}, nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, clientID string) (decimal.Decimal, error) {
	a, err := l.Account(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (l *MemoryLedger) Account(ctx context.Context, clientID string) (Account, error) {
	s, err := l.acquire(ctx, clientID)
	if err != nil {
		return Account{}, err
	}
	defer s.lock.Release(1)
	return Account{ClientID: clientID, Balance: s.balance, Revision: s.revision}, nil
}

// Accounts returns every account ordered by client id. Each account is read
// under its own lock, one at a time.
func (l *MemoryLedger) Accounts(ctx context.Context) ([]Account, error) {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		a, err := l.Account(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// TotalBalance sums every committed balance.
func (l *MemoryLedger) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	accounts, err := l.Accounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
	}
	return total, nil
}

// Journal returns a copy of every committed entry in commit order.
func (l *MemoryLedger) Journal() []Journal {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()
	out := make([]Journal, len(l.journal))
	copy(out, l.journal)
	return out
}
