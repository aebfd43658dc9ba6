package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
}

var (
	// MoneyConfig is the scale of balances, prices and margins (0.01).
	MoneyConfig = DecimalConfig{DecimalPrecision: 2}
	// RateConfig bounds configured rates such as the margin rate.
	RateConfig = DecimalConfig{DecimalPrecision: 8}
)

var ErrPrecision = errors.New("value exceeds configured precision")

type RoundingMode int

const (
	RoundHalfUp   RoundingMode = iota // ties away from zero
	RoundHalfEven                     // banker's rounding
	RoundDown                         // truncate toward zero
)

// Round rounds v to cfg's precision using mode.
func Round(v decimal.Decimal, cfg DecimalConfig, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundHalfEven:
		return v.RoundBank(cfg.DecimalPrecision)
	case RoundDown:
		return v.RoundDown(cfg.DecimalPrecision)
	default:
		return v.Round(cfg.DecimalPrecision)
	}
}

// Fits reports whether v is representable at cfg's precision without rounding.
func Fits(v decimal.Decimal, cfg DecimalConfig) bool {
	return v.Equal(v.Truncate(cfg.DecimalPrecision))
}

// ComputeNotional returns price * quantity, exact.
func ComputeNotional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// ParseMoney parses a currency amount and rejects anything finer than a cent.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !Fits(d, MoneyConfig) {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, ErrPrecision)
	}
	return d, nil
}

// MustMoney is ParseMoney for constants and tests.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromCents builds a money value from an integer number of cents.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -MoneyConfig.DecimalPrecision)
}

// Sum adds values exactly.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
