package ingestion

import (
	"container/list"
	"sync"

	"MarginClear/internal/observability"
)

// Deduplicator is a bounded LRU of request ids. A key is reserved while its
// request is in flight and kept once the request reached a final outcome, so
// a redelivered duplicate is acknowledged without clearing twice.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
	metrics   *observability.Metrics
}

func NewDeduplicator(capacity int, metrics *observability.Metrics) *Deduplicator {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Deduplicator{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
		metrics:  metrics,
	}
}

// TryReserve claims key. It returns false if key is in flight or done.
func (d *Deduplicator) TryReserve(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.cache[key]; ok {
		d.lruList.MoveToFront(elem)
		return false
	}
	d.cache[key] = d.lruList.PushFront(key)
	if d.lruList.Len() > d.capacity {
		d.evictOldest()
	}
	d.observe()
	return true
}

// Release forgets key so a redelivery can retry it.
func (d *Deduplicator) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.cache[key]; ok {
		d.lruList.Remove(elem)
		delete(d.cache, key)
	}
	d.observe()
}

func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lruList.Len()
}

func (d *Deduplicator) Evictions() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictions
}

func (d *Deduplicator) evictOldest() {
	elem := d.lruList.Back()
	if elem == nil {
		return
	}
	d.lruList.Remove(elem)
	delete(d.cache, elem.Value.(string))
	d.evictions++
	if d.metrics != nil {
		d.metrics.DedupLRUEvictions.Inc()
	}
}

func (d *Deduplicator) observe() {
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lruList.Len()))
	}
}
