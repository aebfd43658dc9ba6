package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"MarginClear/internal/ledger"
	"MarginClear/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PostgresLedger is the durable AccountLedger. Each mutation runs in its own
// transaction holding a row lock (SELECT ... FOR UPDATE) on the account, so
// different clients never contend.
type PostgresLedger struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
	clock   func() time.Time

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type LedgerOption func(*PostgresLedger)

func WithLedgerMetrics(m *observability.Metrics) LedgerOption {
	return func(l *PostgresLedger) { l.metrics = m }
}

func WithLedgerLogger(log zerolog.Logger) LedgerOption {
	return func(l *PostgresLedger) { l.log = log }
}

func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *PostgresLedger) { l.clock = clock }
}

// WithRetryPolicy bounds the retries of transient lock failures.
func WithRetryPolicy(maxRetries int, base, max time.Duration) LedgerOption {
	return func(l *PostgresLedger) {
		l.maxRetries = maxRetries
		l.baseBackoff = base
		l.maxBackoff = max
	}
}

func NewPostgresLedger(db *sql.DB, opts ...LedgerOption) *PostgresLedger {
	l := &PostgresLedger{
		db:          db,
		log:         zerolog.Nop(),
		clock:       time.Now,
		maxRetries:  5,
		baseBackoff: 10 * time.Millisecond,
		maxBackoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PostgresLedger) Provision(ctx context.Context, clientID string, initial decimal.Decimal) (ledger.Account, error) {
	if clientID == "" {
		return ledger.Account{}, ledger.ErrInvalidClientID
	}
	if initial.IsNegative() {
		return ledger.Account{}, fmt.Errorf("initial balance %s: %w", initial, ledger.ErrInvalidAmount)
	}

	err := l.inTx(ctx, "provision", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (client_id, balance, revision) VALUES ($1, $2, 0)
			 ON CONFLICT (client_id) DO NOTHING`,
			clientID, initial,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("client %q: %w", clientID, ledger.ErrAccountExists)
		}
		return l.insertJournal(ctx, tx, ledger.NewJournal(clientID, ledger.JournalProvision, initial, initial, 0, l.clock()))
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{ClientID: clientID, Balance: initial}, nil
}

func (l *PostgresLedger) TryDebit(ctx context.Context, clientID string, amount decimal.Decimal) (ledger.DebitResult, error) {
	return l.DebitAndRecord(ctx, clientID, amount, nil)
}

// DebitAndRecord runs record inside the transaction that holds the account
// row lock, after the debit is written. A record error rolls the debit back.
// PostgresTradeStore on the same *sql.DB writes through that transaction;
// record may run more than once when the transaction is retried.
func (l *PostgresLedger) DebitAndRecord(ctx context.Context, clientID string, amount decimal.Decimal, record ledger.RecordFunc) (ledger.DebitResult, error) {
	if amount.IsNegative() {
		return ledger.DebitResult{}, fmt.Errorf("debit %s: %w", amount, ledger.ErrInvalidAmount)
	}

	var result ledger.DebitResult
	err := l.inTx(ctx, "debit", func(tx *sql.Tx) error {
		acct, err := l.lockAccount(ctx, tx, clientID)
		if err != nil {
			return err
		}
		result = ledger.DebitResult{Outcome: ledger.InsufficientFunds, Balance: acct.Balance, Revision: acct.Revision}

		if !acct.Balance.LessThan(amount) {
			acct.Balance = acct.Balance.Sub(amount)
			acct.Revision++
			if err := l.updateAccount(ctx, tx, acct); err != nil {
				return err
			}
			if err := l.insertJournal(ctx, tx, ledger.NewJournal(clientID, ledger.JournalDebit, amount, acct.Balance, acct.Revision, l.clock())); err != nil {
				return err
			}
			result = ledger.DebitResult{Outcome: ledger.Debited, Balance: acct.Balance, Revision: acct.Revision}
		}

		if record == nil {
			return nil
		}
		return record(withTx(ctx, l.db, tx), result)
	})
	if err != nil {
		return ledger.DebitResult{}, err
	}
	return result, nil
}

func (l *PostgresLedger) Refund(ctx context.Context, clientID string, amount decimal.Decimal) (ledger.Account, error) {
	if amount.IsNegative() {
		return ledger.Account{}, fmt.Errorf("refund %s: %w", amount, ledger.ErrInvalidAmount)
	}

	var out ledger.Account
	err := l.inTx(ctx, "refund", func(tx *sql.Tx) error {
		acct, err := l.lockAccount(ctx, tx, clientID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.Revision++
		if err := l.updateAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.insertJournal(ctx, tx, ledger.NewJournal(clientID, ledger.JournalRefund, amount, acct.Balance, acct.Revision, l.clock())); err != nil {
			return err
		}
		out = acct
		return nil
	})
	return out, err
}

func (l *PostgresLedger) GetBalance(ctx context.Context, clientID string) (decimal.Decimal, error) {
	a, err := l.Account(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (l *PostgresLedger) Account(ctx context.Context, clientID string) (ledger.Account, error) {
	a := ledger.Account{ClientID: clientID}
	err := l.db.QueryRowContext(ctx,
		`SELECT balance, revision FROM accounts WHERE client_id = $1`, clientID,
	).Scan(&a.Balance, &a.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("client %q: %w", clientID, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("read account %q: %w", clientID, err)
	}
	return a, nil
}

func (l *PostgresLedger) Accounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT client_id, balance, revision FROM accounts ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ClientID, &a.Balance, &a.Revision); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Journal returns committed entries grouped by client in revision order,
// which is the order ledger.ReplayJournal expects.
func (l *PostgresLedger) Journal(ctx context.Context) ([]ledger.Journal, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT journal_id, client_id, kind, amount, balance_after, revision, created_at
		 FROM ledger_journal ORDER BY client_id, revision`)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var out []ledger.Journal
	for rows.Next() {
		var j ledger.Journal
		var kind string
		if err := rows.Scan(&j.JournalID, &j.ClientID, &kind, &j.Amount, &j.BalanceAfter, &j.Revision, &j.Timestamp); err != nil {
			return nil, err
		}
		j.Kind = ledger.JournalKind(kind)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) lockAccount(ctx context.Context, tx *sql.Tx, clientID string) (ledger.Account, error) {
	start := time.Now()
	a := ledger.Account{ClientID: clientID}
	err := tx.QueryRowContext(ctx,
		`SELECT balance, revision FROM accounts WHERE client_id = $1 FOR UPDATE`, clientID,
	).Scan(&a.Balance, &a.Revision)
	if l.metrics != nil {
		l.metrics.LedgerLockWait.Observe(time.Since(start).Seconds())
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("client %q: %w", clientID, ledger.ErrAccountNotFound)
	}
	return a, err
}

func (l *PostgresLedger) updateAccount(ctx context.Context, tx *sql.Tx, a ledger.Account) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, revision = $3, updated_at = NOW() WHERE client_id = $1`,
		a.ClientID, a.Balance, a.Revision,
	)
	return err
}

func (l *PostgresLedger) insertJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_journal (journal_id, client_id, kind, amount, balance_after, revision, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.JournalID, j.ClientID, string(j.Kind), j.Amount, j.BalanceAfter, j.Revision, j.Timestamp,
	)
	return err
}

// inTx runs fn in a transaction, retrying transient lock and serialization
// failures with capped exponential backoff.
func (l *PostgresLedger) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	backoff := l.baseBackoff
	for attempt := 0; ; attempt++ {
		err := withTransaction(ctx, l.db, fn)
		if err == nil {
			if attempt > 0 {
				l.log.Info().Str("op", op).Int("retries", attempt).Msg("ledger transaction succeeded after retries")
			}
			return nil
		}
		if !IsTransient(err) || attempt >= l.maxRetries {
			if l.metrics != nil && !isBusinessError(err) {
				l.metrics.PersistErrors.WithLabelValues("ledger_" + op).Inc()
			}
			return err
		}

		if l.metrics != nil {
			l.metrics.PersistRetry.Inc()
		}
		l.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("transient ledger failure, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s retry abandoned after %v: %w", op, err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func isBusinessError(err error) bool {
	return errors.Is(err, ledger.ErrAccountNotFound) || errors.Is(err, ledger.ErrAccountExists)
}
