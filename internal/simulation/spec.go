package simulation

import (
	"errors"
	"fmt"

	fpmath "MarginClear/internal/math"

	"github.com/shopspring/decimal"
)

var ErrInvalidBatch = errors.New("invalid batch spec")

var DefaultSymbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "TSLA", "META", "NVDA", "NFLX"}

const (
	DefaultTradeCount   = 1000
	DefaultAccountCount = 10
)

var DefaultInitialBalance = fpmath.MustMoney("10000.00")

// QuantityRange is inclusive on both ends.
type QuantityRange struct {
	Min int64 `json:"min" yaml:"min"`
	Max int64 `json:"max" yaml:"max"`
}

// PriceRange is inclusive on both ends and sampled at cent resolution.
type PriceRange struct {
	Min decimal.Decimal `json:"min" yaml:"min"`
	Max decimal.Decimal `json:"max" yaml:"max"`
}

type BatchSpec struct {
	Count       int           `json:"count"`
	AccountPool []string      `json:"account_pool"`
	SymbolPool  []string      `json:"symbol_pool"`
	Quantity    QuantityRange `json:"quantity"`
	Price       PriceRange    `json:"price"`
}

// DefaultBatchSpec is 1000 trades over CLIENT_001..CLIENT_010, eight
// symbols, quantity 1..100 and price 50.00..550.00.
func DefaultBatchSpec() BatchSpec {
	return BatchSpec{
		Count:       DefaultTradeCount,
		AccountPool: ClientIDs(DefaultAccountCount),
		SymbolPool:  append([]string(nil), DefaultSymbols...),
		Quantity:    QuantityRange{Min: 1, Max: 100},
		Price:       PriceRange{Min: fpmath.MustMoney("50.00"), Max: fpmath.MustMoney("550.00")},
	}
}

func (s BatchSpec) Validate() error {
	switch {
	case s.Count <= 0:
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidBatch, s.Count)
	case len(s.AccountPool) == 0:
		return fmt.Errorf("%w: empty account pool", ErrInvalidBatch)
	case len(s.SymbolPool) == 0:
		return fmt.Errorf("%w: empty symbol pool", ErrInvalidBatch)
	case s.Quantity.Min <= 0 || s.Quantity.Max < s.Quantity.Min:
		return fmt.Errorf("%w: quantity range [%d, %d]", ErrInvalidBatch, s.Quantity.Min, s.Quantity.Max)
	case !s.Price.Min.IsPositive() || s.Price.Max.LessThan(s.Price.Min):
		return fmt.Errorf("%w: price range [%s, %s]", ErrInvalidBatch, s.Price.Min, s.Price.Max)
	case !fpmath.Fits(s.Price.Min, fpmath.MoneyConfig) || !fpmath.Fits(s.Price.Max, fpmath.MoneyConfig):
		return fmt.Errorf("%w: price bounds finer than 0.01", ErrInvalidBatch)
	}
	return nil
}

// ClientIDs returns CLIENT_001..CLIENT_n.
func ClientIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("CLIENT_%03d", i+1)
	}
	return ids
}
