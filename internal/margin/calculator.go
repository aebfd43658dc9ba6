package margin

import (
	fpmath "MarginClear/internal/math"

	"github.com/shopspring/decimal"
)

// DefaultRate is the share of notional value an account must post (10%).
var DefaultRate = decimal.RequireFromString("0.10")

// Calculator computes the margin required for a trade.
// It is a pure arithmetic step: callers are responsible for price > 0 and
// quantity > 0.
type Calculator struct {
	rate decimal.Decimal
}

func NewCalculator(rate decimal.Decimal) *Calculator {
	return &Calculator{rate: rate}
}

// NewDefaultCalculator returns a Calculator using DefaultRate.
func NewDefaultCalculator() *Calculator {
	return NewCalculator(DefaultRate)
}

func (c *Calculator) Rate() decimal.Decimal {
	return c.rate
}

// Calculate returns round(price * quantity * rate, 2, half-up).
func (c *Calculator) Calculate(price decimal.Decimal, quantity int64) decimal.Decimal {
	notional := fpmath.ComputeNotional(price, quantity)
	return fpmath.Round(notional.Mul(c.rate), fpmath.MoneyConfig, fpmath.RoundHalfUp)
}
