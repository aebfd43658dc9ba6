package clearing_test

import (
	"context"
	"fmt"
	"testing"

	"MarginClear/internal/clearing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTradeStore(t *testing.T) {
	ctx := context.Background()
	s := clearing.NewMemoryTradeStore()

	for i := 1; i <= 25; i++ {
		status := clearing.StatusCleared
		if i%5 == 0 {
			status = clearing.StatusRejected
		}
		client := "A"
		if i%2 == 0 {
			client = "B"
		}
		require.NoError(t, s.Append(ctx, &clearing.Trade{
			ID: fmt.Sprintf("T%02d", i), ClientID: client, Symbol: "AAPL",
			Quantity: 1, Price: money("1.00"), MarginRequired: money("0.10"), Status: status,
		}))
	}

	recent, err := s.Recent(ctx, 20)
	require.NoError(t, err)
	require.Len(t, recent, 20)
	assert.Equal(t, "T25", recent[0].ID)
	assert.Equal(t, "T06", recent[19].ID)

	byA, err := s.ByClient(ctx, "A")
	require.NoError(t, err)
	require.Len(t, byA, 13)
	assert.Equal(t, "T25", byA[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), counts[clearing.StatusCleared])
	assert.Equal(t, int64(5), counts[clearing.StatusRejected])

	err = s.Append(ctx, &clearing.Trade{ID: "T01", Status: clearing.StatusCleared})
	assert.ErrorIs(t, err, clearing.ErrDuplicateTrade)

	err = s.Append(ctx, &clearing.Trade{ID: "P1", Status: clearing.StatusPending})
	assert.ErrorIs(t, err, clearing.ErrPendingTrade)
}

func TestParseTradeStatus(t *testing.T) {
	st, err := clearing.ParseTradeStatus("cleared")
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusCleared, st)

	_, err = clearing.ParseTradeStatus("settled")
	assert.Error(t, err)
}
