package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarginClear/internal/ledger"
	fpmath "MarginClear/internal/math"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func money(s string) decimal.Decimal { return fpmath.MustMoney(s) }

func TestProvision(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	a, err := l.Provision(ctx, "CLIENT_001", money("10000.00"))
	require.NoError(t, err)
	assert.Equal(t, "CLIENT_001", a.ClientID)
	assert.Equal(t, int64(0), a.Revision)
	assert.True(t, a.Balance.Equal(money("10000.00")))

	_, err = l.Provision(ctx, "CLIENT_001", money("1.00"))
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = l.Provision(ctx, "CLIENT_002", money("-1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Provision(ctx, "", money("1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidClientID)
}

func TestTryDebit_Outcomes(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("100.00"))
	require.NoError(t, err)

	res, err := l.TryDebit(ctx, "A", money("60.00"))
	require.NoError(t, err)
	assert.Equal(t, ledger.Debited, res.Outcome)
	assert.True(t, res.Balance.Equal(money("40.00")))
	assert.Equal(t, int64(1), res.Revision)

	res, err = l.TryDebit(ctx, "A", money("40.01"))
	require.NoError(t, err)
	assert.Equal(t, ledger.InsufficientFunds, res.Outcome)
	assert.True(t, res.Balance.Equal(money("40.00")))
	assert.Equal(t, int64(1), res.Revision)

	res, err = l.TryDebit(ctx, "A", money("40.00"))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.True(t, res.Balance.IsZero())

	_, err = l.TryDebit(ctx, "missing", money("1.00"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = l.TryDebit(ctx, "A", money("-1.00"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("100.00"))
	require.NoError(t, err)
	_, err = l.TryDebit(ctx, "A", money("30.00"))
	require.NoError(t, err)

	a, err := l.Refund(ctx, "A", money("30.00"))
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(money("100.00")))
	assert.Equal(t, int64(2), a.Revision)

	_, err = l.Refund(ctx, "missing", money("1.00"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestTryDebit_TimesOutWhileLocked(t *testing.T) {
	var first atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	// The observer runs while the account lock is held.
	l := ledger.NewMemoryLedger(ledger.WithLockWaitObserver(func(time.Duration) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	}))
	_, err := l.Provision(context.Background(), "A", money("100.00"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.TryDebit(context.Background(), "A", money("1.00"))
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.TryDebit(ctx, "A", money("1.00"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	bal, err := l.GetBalance(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money("99.00")))
}

// Many concurrent debits against one account must never overdraw it.
func TestTryDebit_DoubleSpend(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("100.00"))
	require.NoError(t, err)

	const workers = 50
	var (
		wg      sync.WaitGroup
		debited atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.TryDebit(ctx, "A", money("60.00"))
			if err == nil && res.OK() {
				debited.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), debited.Load())
	a, err := l.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(money("40.00")))
	assert.Equal(t, int64(1), a.Revision)
}

// Concurrent debits across many accounts conserve value and leave a journal
// that replays to the committed state.
func TestConcurrentDebits_ConservationAndReplay(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	clients := []string{"A", "B", "C", "D"}
	for _, c := range clients {
		_, err := l.Provision(ctx, c, money("1000.00"))
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		cleared = decimal.Zero
	)
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amt := fpmath.FromCents(int64(1000 + i*37))
			res, err := l.TryDebit(ctx, clients[i%len(clients)], amt)
			if err == nil && res.OK() {
				mu.Lock()
				cleared = cleared.Add(amt)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	v := ledger.NewInvariantValidator(l)
	require.NoError(t, v.ValidateNonNegative(ctx))
	require.NoError(t, v.ValidateConservation(ctx, money("4000.00"), cleared))
	require.NoError(t, v.ValidateJournal(ctx, l.Journal()))

	total, err := l.TotalBalance(ctx)
	require.NoError(t, err)
	assert.True(t, total.Add(cleared).Equal(money("4000.00")))
}

func TestAccounts_Sorted(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	for _, c := range []string{"C", "A", "B"} {
		_, err := l.Provision(ctx, c, money("1.00"))
		require.NoError(t, err)
	}
	accounts, err := l.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "A", accounts[0].ClientID)
	assert.Equal(t, "C", accounts[2].ClientID)
}

func TestReplayJournal_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("10.00"))
	require.NoError(t, err)
	_, err = l.TryDebit(ctx, "A", money("3.00"))
	require.NoError(t, err)

	entries := l.Journal()
	require.Len(t, entries, 2)
	_, err = ledger.ReplayJournal(entries)
	require.NoError(t, err)

	entries[1].BalanceAfter = money("8.00")
	_, err = ledger.ReplayJournal(entries)
	assert.Error(t, err)

	_, err = ledger.ReplayJournal(entries[1:])
	assert.Error(t, err)
}

func TestLockWaitObserver(t *testing.T) {
	var calls atomic.Int64
	l := ledger.NewMemoryLedger(ledger.WithLockWaitObserver(func(time.Duration) { calls.Add(1) }))
	ctx := context.Background()
	_, err := l.Provision(ctx, "A", money("5.00"))
	require.NoError(t, err)
	_, err = l.TryDebit(ctx, "A", money("1.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

// Serialized debits of random amounts leave balance = initial - Σ accepted,
// and a debit is accepted exactly when the running balance covers it.
func TestTryDebit_SequentialModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l := ledger.NewMemoryLedger()
		initial := rapid.Int64Range(0, 1_000_000).Draw(t, "initialCents")
		if _, err := l.Provision(ctx, "A", fpmath.FromCents(initial)); err != nil {
			t.Fatal(err)
		}

		model := initial
		amounts := rapid.SliceOf(rapid.Int64Range(0, 200_000)).Draw(t, "amounts")
		for _, amt := range amounts {
			res, err := l.TryDebit(ctx, "A", fpmath.FromCents(amt))
			if err != nil {
				t.Fatal(err)
			}
			if amt <= model {
				model -= amt
				if !res.OK() {
					t.Fatalf("debit %d rejected with balance %d", amt, model+amt)
				}
			} else if res.OK() {
				t.Fatalf("debit %d accepted with balance %d", amt, model)
			}
			if !res.Balance.Equal(fpmath.FromCents(model)) {
				t.Fatalf("balance %s, model %d cents", res.Balance, model)
			}
		}
	})
}

func TestDebitAndRecord_RecordFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("100.00"))
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	var seen ledger.DebitResult
	_, err = l.DebitAndRecord(ctx, "A", money("60.00"), func(_ context.Context, res ledger.DebitResult) error {
		seen = res
		return diskFull
	})
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, ledger.Debited, seen.Outcome)
	assert.Equal(t, "40.00", seen.Balance.StringFixed(2))

	a, err := l.Account(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "100.00", a.Balance.StringFixed(2))
	assert.Equal(t, int64(0), a.Revision)
	assert.Len(t, l.Journal(), 1, "only the provision entry")
}

func TestDebitAndRecord_RecordSeesRejection(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("10.00"))
	require.NoError(t, err)

	calls := 0
	res, err := l.DebitAndRecord(ctx, "A", money("10.01"), func(_ context.Context, res ledger.DebitResult) error {
		calls++
		assert.Equal(t, ledger.InsufficientFunds, res.Outcome)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "10.00", res.Balance.StringFixed(2))
}

// A debit whose record is still running holds the account: a second debit
// waits, and once the first record fails it sees the untouched balance.
func TestDebitAndRecord_HoldsLockDuringRecord(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, err := l.Provision(ctx, "A", money("100.00"))
	require.NoError(t, err)

	recording := make(chan struct{})
	fail := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.DebitAndRecord(ctx, "A", money("100.00"), func(context.Context, ledger.DebitResult) error {
			close(recording)
			<-fail
			return errors.New("disk full")
		})
		firstErr <- err
	}()
	<-recording

	var second atomic.Value
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := l.TryDebit(ctx, "A", money("50.00"))
		assert.NoError(t, err)
		second.Store(res)
	}()

	select {
	case <-done:
		t.Fatal("second debit ran while the first was recording")
	case <-time.After(50 * time.Millisecond):
	}
	close(fail)
	require.Error(t, <-firstErr)
	<-done

	res := second.Load().(ledger.DebitResult)
	assert.Equal(t, ledger.Debited, res.Outcome)
	assert.Equal(t, "50.00", res.Balance.StringFixed(2))
}
