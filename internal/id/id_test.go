package id_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"MarginClear/internal/id"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Monotonic(t *testing.T) {
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = id.New()
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids minted in sequence must sort in sequence")
}

func TestNew_UniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := id.New()
			mu.Lock()
			seen[s] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestTime_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := id.Time(id.NewAt(at))
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "got %v want %v", got, at)

	_, err = id.Time("not-a-ulid")
	assert.Error(t, err)
}
