package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"MarginClear/internal/clearing"
	"MarginClear/internal/id"
	"MarginClear/internal/ledger"
	fpmath "MarginClear/internal/math"
	"MarginClear/internal/observability"
	"MarginClear/internal/pool"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Clearer interface {
	Clear(ctx context.Context, req clearing.TradeRequest) (*clearing.Trade, error)
}

type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
}

type Provisioner interface {
	Provision(ctx context.Context, clientID string, initial decimal.Decimal) (ledger.Account, error)
}

// Result summarises one batch. Failed counts rejections and errors alike,
// so Total == Succeeded + Failed.
type Result struct {
	RunID         string          `json:"run_id"`
	Total         int64           `json:"total_trades"`
	Succeeded     int64           `json:"success_count"`
	Failed        int64           `json:"failure_count"`
	Rejected      int64           `json:"rejected_count"`
	Errored       int64           `json:"error_count"`
	ClearedMargin decimal.Decimal `json:"cleared_margin"`
	WallClockMs   int64           `json:"total_time_ms"`
	AvgMsPerTrade float64         `json:"average_time_ms"`
}

// MarshalJSON renders ClearedMargin with two decimal places.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ClearedMargin string `json:"cleared_margin"`
	}{plain(r), r.ClearedMargin.StringFixed(2)})
}

type Harness struct {
	clearer Clearer
	pool    Submitter

	rngMu sync.Mutex
	rng   *rand.Rand

	newID   id.Generator
	metrics *observability.Metrics
	log     zerolog.Logger
}

type Option func(*Harness)

// WithSeed makes request generation reproducible.
func WithSeed(seed uint64) Option {
	return func(h *Harness) { h.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Harness) { h.log = log }
}

func WithIDGenerator(gen id.Generator) Option {
	return func(h *Harness) { h.newID = gen }
}

func NewHarness(c Clearer, p Submitter, opts ...Option) *Harness {
	h := &Harness{
		clearer: c,
		pool:    p,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		newID:   id.New,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Generate draws spec.Count requests from the harness RNG.
func (h *Harness) Generate(spec BatchSpec) ([]clearing.TradeRequest, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	minCents := spec.Price.Min.Shift(fpmath.MoneyConfig.DecimalPrecision).IntPart()
	maxCents := spec.Price.Max.Shift(fpmath.MoneyConfig.DecimalPrecision).IntPart()

	h.rngMu.Lock()
	defer h.rngMu.Unlock()

	reqs := make([]clearing.TradeRequest, spec.Count)
	for i := range reqs {
		reqs[i] = clearing.TradeRequest{
			ClientID: spec.AccountPool[h.rng.IntN(len(spec.AccountPool))],
			Symbol:   spec.SymbolPool[h.rng.IntN(len(spec.SymbolPool))],
			Quantity: spec.Quantity.Min + h.rng.Int64N(spec.Quantity.Max-spec.Quantity.Min+1),
			Price:    fpmath.FromCents(minCents + h.rng.Int64N(maxCents-minCents+1)),
		}
	}
	return reqs, nil
}

// RunBatch generates spec.Count requests, clears each on the pool and waits
// for all of them. Per-trade errors are counted, not returned. An error is
// returned only when the batch could not be submitted in full, after the
// submitted part has finished.
func (h *Harness) RunBatch(ctx context.Context, spec BatchSpec) (*Result, error) {
	reqs, err := h.Generate(spec)
	if err != nil {
		return nil, err
	}

	runID := h.newID()
	log := h.log.With().Str("run_id", runID).Logger()
	log.Info().Int("trades", len(reqs)).Msg("simulation started")

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
		errored   atomic.Int64
		marginMu  sync.Mutex
		cleared   = decimal.Zero
		submitErr error
	)

	start := time.Now()
	for i, req := range reqs {
		wg.Add(1)
		err := h.pool.Submit(ctx, func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errored.Add(1)
					log.Error().Str("panic", fmt.Sprint(r)).Str("client_id", req.ClientID).Msg("trade unit panicked")
				}
			}()

			trade, err := h.clearer.Clear(ctx, req)
			switch {
			case err != nil:
				errored.Add(1)
				log.Error().Err(err).Str("client_id", req.ClientID).Msg("error processing trade")
			case trade.Status == clearing.StatusCleared:
				succeeded.Add(1)
				marginMu.Lock()
				cleared = cleared.Add(trade.MarginRequired)
				marginMu.Unlock()
			default:
				rejected.Add(1)
			}
		})
		if err != nil {
			wg.Done()
			submitErr = fmt.Errorf("submit trade %d of %d: %w", i+1, len(reqs), err)
			break
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	if submitErr != nil {
		h.observeRun("error", elapsed)
		log.Error().Err(submitErr).
			Int64("completed", succeeded.Load()+rejected.Load()+errored.Load()).
			Msg("simulation aborted")
		if errors.Is(submitErr, pool.ErrPoolClosed) {
			return nil, fmt.Errorf("simulation %s: %w", runID, submitErr)
		}
		return nil, fmt.Errorf("simulation %s cancelled: %w", runID, submitErr)
	}

	res := &Result{
		RunID:         runID,
		Total:         int64(len(reqs)),
		Succeeded:     succeeded.Load(),
		Rejected:      rejected.Load(),
		Errored:       errored.Load(),
		ClearedMargin: cleared,
		WallClockMs:   elapsed.Milliseconds(),
		AvgMsPerTrade: float64(elapsed.Microseconds()) / 1000 / float64(len(reqs)),
	}
	res.Failed = res.Rejected + res.Errored

	h.observeRun("ok", elapsed)
	if h.metrics != nil {
		h.metrics.SimulationTrades.WithLabelValues("cleared").Add(float64(res.Succeeded))
		h.metrics.SimulationTrades.WithLabelValues("rejected").Add(float64(res.Rejected))
		h.metrics.SimulationTrades.WithLabelValues("errored").Add(float64(res.Errored))
	}

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(res.Total) / elapsed.Seconds()
	}
	log.Info().
		Int64("total", res.Total).
		Int64("succeeded", res.Succeeded).
		Int64("failed", res.Failed).
		Int64("errored", res.Errored).
		Str("cleared_margin", res.ClearedMargin.StringFixed(2)).
		Int64("wall_clock_ms", res.WallClockMs).
		Float64("avg_ms_per_trade", res.AvgMsPerTrade).
		Float64("trades_per_sec", throughput).
		Msg("simulation completed")

	return res, nil
}

func (h *Harness) observeRun(result string, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.SimulationRuns.WithLabelValues(result).Inc()
	h.metrics.SimulationDuration.Observe(elapsed.Seconds())
}

// SeedAccounts provisions CLIENT_001..CLIENT_n with balance. Accounts that
// already exist are left untouched. It returns the ids it created.
func SeedAccounts(ctx context.Context, p Provisioner, n int, balance decimal.Decimal) ([]string, error) {
	var created []string
	for _, clientID := range ClientIDs(n) {
		if _, err := p.Provision(ctx, clientID, balance); err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				continue
			}
			return created, fmt.Errorf("provision %s: %w", clientID, err)
		}
		created = append(created, clientID)
	}
	return created, nil
}
