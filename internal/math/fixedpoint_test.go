package math_test

import (
	"testing"

	fpmath "MarginClear/internal/math"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRound_Modes(t *testing.T) {
	tests := []struct {
		in   string
		mode fpmath.RoundingMode
		want string
	}{
		{"1.005", fpmath.RoundHalfUp, "1.01"},
		{"1.015", fpmath.RoundHalfUp, "1.02"},
		{"1.004", fpmath.RoundHalfUp, "1.00"},
		{"1.005", fpmath.RoundHalfEven, "1.00"},
		{"1.015", fpmath.RoundHalfEven, "1.02"},
		{"1.009", fpmath.RoundDown, "1.00"},
	}

	for _, tt := range tests {
		got := fpmath.Round(decimal.RequireFromString(tt.in), fpmath.MoneyConfig, tt.mode)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "round(%s, mode=%d) = %s, want %s", tt.in, tt.mode, got, tt.want)
	}
}

func TestParseMoney(t *testing.T) {
	d, err := fpmath.ParseMoney("150.25")
	require.NoError(t, err)
	assert.Equal(t, "150.25", d.StringFixed(2))

	_, err = fpmath.ParseMoney("150.255")
	assert.ErrorIs(t, err, fpmath.ErrPrecision)

	_, err = fpmath.ParseMoney("abc")
	assert.Error(t, err)
}

func TestFromCentsAndSum(t *testing.T) {
	total := fpmath.Sum(fpmath.FromCents(1), fpmath.FromCents(99), fpmath.MustMoney("10.00"))
	assert.True(t, total.Equal(fpmath.MustMoney("11.00")))
}

func TestComputeNotional(t *testing.T) {
	got := fpmath.ComputeNotional(fpmath.MustMoney("150.00"), 10)
	assert.True(t, got.Equal(fpmath.MustMoney("1500.00")))
}
