package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MarginClear/internal/observability"
	"MarginClear/internal/pool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsEveryTask(t *testing.T) {
	p := pool.New(8, 16)
	var n atomic.Int64
	for i := 0; i < 500; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { n.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int64(500), n.Load())
}

func TestPool_Defaults(t *testing.T) {
	p := pool.New(0, -1)
	defer p.Close()
	assert.Equal(t, pool.DefaultWorkers, p.Workers())
	assert.Equal(t, pool.DefaultQueueSize, p.QueueCapacity())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 4
	p := pool.New(workers, 100)
	var running, peak atomic.Int64
	for i := 0; i < 64; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}))
	}
	p.Close()
	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := pool.New(1, 1)
	p.Close()
	p.Close()
	err := p.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := pool.New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Close()
}

func TestPool_RecoversPanics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	p := pool.New(1, 4, pool.WithMetrics(m))
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { wg.Done() }))
	wg.Wait()
	p.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolTasks.WithLabelValues("panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolTasks.WithLabelValues("ok")))
}
