package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarginClear/internal/event"
	"MarginClear/internal/id"
	"MarginClear/internal/ledger"
	"MarginClear/internal/margin"
	"MarginClear/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger is the slice of ledger.AccountLedger the clearer mutates.
type Ledger interface {
	TryDebit(ctx context.Context, clientID string, amount decimal.Decimal) (ledger.DebitResult, error)
	Refund(ctx context.Context, clientID string, amount decimal.Decimal) (ledger.Account, error)
}

// RecordingLedger debits and records a trade as one critical section.
type RecordingLedger interface {
	DebitAndRecord(ctx context.Context, clientID string, amount decimal.Decimal, record ledger.RecordFunc) (ledger.DebitResult, error)
}

// EventSink receives outcome events after a trade is recorded. Emit must not
// block the clearing path.
type EventSink interface {
	Emit(evt *event.TradeEvent)
}

// Clearer performs the clearing pipeline for one trade at a time; it is safe
// for concurrent use and holds no state of its own between calls.
type Clearer struct {
	ledger  Ledger
	store   TradeStore
	calc    *margin.Calculator
	clock   func() time.Time
	newID   id.Generator
	sink    EventSink
	metrics *observability.Metrics
	log     zerolog.Logger
}

type Option func(*Clearer)

func WithClock(clock func() time.Time) Option {
	return func(c *Clearer) { c.clock = clock }
}

func WithIDGenerator(gen id.Generator) Option {
	return func(c *Clearer) { c.newID = gen }
}

func WithEventSink(sink EventSink) Option {
	return func(c *Clearer) { c.sink = sink }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Clearer) { c.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Clearer) { c.log = log }
}

func NewClearer(l Ledger, store TradeStore, calc *margin.Calculator, opts ...Option) *Clearer {
	c := &Clearer{
		ledger: l,
		store:  store,
		calc:   calc,
		clock:  time.Now,
		newID:  id.New,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clear validates req, computes its margin, attempts the debit and records
// the finalized trade. Insufficient funds yield a REJECTED trade and a nil
// error. Every returned error means no trade was recorded and no balance
// changed.
func (c *Clearer) Clear(ctx context.Context, req TradeRequest) (*Trade, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		c.observeError("invalid")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.observeError("context")
		return nil, err
	}

	trade := &Trade{
		ID:             c.newID(),
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		Price:          req.Price,
		MarginRequired: c.calc.Calculate(req.Price, req.Quantity),
		Status:         StatusPending,
		CreatedAt:      c.clock().UTC(),
	}

	res, err := c.settle(ctx, trade)
	if err != nil {
		return nil, err
	}

	c.observeFinal(trade, time.Since(start))
	if c.sink != nil {
		c.sink.Emit(&event.TradeEvent{
			EventID:        uuid.New(),
			TradeID:        trade.ID,
			RequestID:      req.RequestID,
			ClientID:       trade.ClientID,
			Symbol:         trade.Symbol,
			Quantity:       trade.Quantity,
			Price:          trade.Price,
			MarginRequired: trade.MarginRequired,
			Status:         string(trade.Status),
			BalanceAfter:   res.Balance,
			OccurredAt:     trade.CreatedAt,
		})
	}
	return trade, nil
}

// settle debits the margin and appends the finalized trade. Ledgers that
// implement RecordingLedger do both under the account lock; any other ledger
// falls back to debit, append, and a refund if the append fails.
func (c *Clearer) settle(ctx context.Context, trade *Trade) (ledger.DebitResult, error) {
	rl, ok := c.ledger.(RecordingLedger)
	if !ok {
		return c.settleWithRefund(ctx, trade)
	}

	var recordFailed bool
	res, err := rl.DebitAndRecord(ctx, trade.ClientID, trade.MarginRequired, func(ctx context.Context, res ledger.DebitResult) error {
		trade.Status = statusOf(res)
		err := c.store.Append(ctx, trade)
		recordFailed = err != nil
		if err != nil {
			return fmt.Errorf("record trade %s: %w", trade.ID, err)
		}
		return nil
	})
	if err != nil {
		trade.Status = StatusPending
		if recordFailed {
			c.observeError("store")
			return ledger.DebitResult{}, err
		}
		c.observeError(errorReason(err))
		return ledger.DebitResult{}, fmt.Errorf("debit margin for %s: %w", trade.ClientID, err)
	}
	return res, nil
}

func (c *Clearer) settleWithRefund(ctx context.Context, trade *Trade) (ledger.DebitResult, error) {
	res, err := c.ledger.TryDebit(ctx, trade.ClientID, trade.MarginRequired)
	if err != nil {
		c.observeError(errorReason(err))
		return ledger.DebitResult{}, fmt.Errorf("debit margin for %s: %w", trade.ClientID, err)
	}
	trade.Status = statusOf(res)

	if err := c.store.Append(ctx, trade); err != nil {
		c.observeError("store")
		if trade.Status != StatusCleared {
			return ledger.DebitResult{}, fmt.Errorf("record trade %s: %w", trade.ID, err)
		}
		return ledger.DebitResult{}, c.compensate(ctx, trade, err)
	}
	return res, nil
}

func statusOf(res ledger.DebitResult) TradeStatus {
	if res.OK() {
		return StatusCleared
	}
	return StatusRejected
}

// compensate refunds the debit of a cleared trade that could not be recorded.
// The refund runs even if ctx is already cancelled.
func (c *Clearer) compensate(ctx context.Context, trade *Trade, appendErr error) error {
	recordErr := fmt.Errorf("record trade %s: %w", trade.ID, appendErr)

	if _, err := c.ledger.Refund(context.WithoutCancel(ctx), trade.ClientID, trade.MarginRequired); err != nil {
		if c.metrics != nil {
			c.metrics.Compensations.WithLabelValues("failed").Inc()
		}
		c.log.Error().
			Err(err).
			Str("trade_id", trade.ID).
			Str("client_id", trade.ClientID).
			Str("amount", trade.MarginRequired.StringFixed(2)).
			Msg("refund after failed trade append did not commit")
		return errors.Join(recordErr, fmt.Errorf("refund %s to %s: %w", trade.MarginRequired.StringFixed(2), trade.ClientID, err))
	}

	if c.metrics != nil {
		c.metrics.Compensations.WithLabelValues("refunded").Inc()
	}
	c.log.Warn().
		Err(appendErr).
		Str("trade_id", trade.ID).
		Str("client_id", trade.ClientID).
		Msg("trade append failed, margin refunded")
	return recordErr
}

func (c *Clearer) observeFinal(trade *Trade, elapsed time.Duration) {
	if c.metrics != nil {
		status := string(trade.Status)
		c.metrics.TradesTotal.WithLabelValues(status).Inc()
		c.metrics.ClearDuration.WithLabelValues(status).Observe(elapsed.Seconds())
		if trade.Status == StatusCleared {
			c.metrics.MarginCleared.Add(trade.MarginRequired.InexactFloat64())
		}
	}

	if trade.Status == StatusRejected {
		c.log.Warn().
			Str("trade_id", trade.ID).
			Str("client_id", trade.ClientID).
			Str("margin_required", trade.MarginRequired.StringFixed(2)).
			Msg("insufficient margin, trade rejected")
		return
	}
	c.log.Debug().
		Str("trade_id", trade.ID).
		Str("client_id", trade.ClientID).
		Str("symbol", trade.Symbol).
		Str("margin_required", trade.MarginRequired.StringFixed(2)).
		Msg("trade cleared")
}

func (c *Clearer) observeError(reason string) {
	if c.metrics != nil {
		c.metrics.ClearErrors.WithLabelValues(reason).Inc()
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "ledger"
	}
}
