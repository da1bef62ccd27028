package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultQuotaKey is the cache key for the shared decision oracle.
const DefaultQuotaKey = "oracle"

// QuotaEntry records that a provider refused service until Expiry.
type QuotaEntry struct {
	Key      string    `json:"key"`
	Exceeded bool      `json:"exceeded"`
	Reason   string    `json:"reason"`
	Expiry   time.Time `json:"expiry"`
}

// QuotaCache remembers provider quota exhaustion so the orchestrator can
// degrade without calling the oracle again. Entries live in a ristretto
// cache with a TTL; expiry is also checked against the injected clock so
// tests can advance time.
type QuotaCache struct {
	c   *ristretto.Cache[string, QuotaEntry]
	now func() time.Time // for testing

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewQuotaCache creates an empty quota cache.
func NewQuotaCache() (*QuotaCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, QuotaEntry]{
		NumCounters:        1000,
		MaxCost:            1 << 10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &QuotaCache{
		c:    c,
		now:  time.Now,
		keys: make(map[string]struct{}),
	}, nil
}

// MarkExceeded records that key is unavailable for ttl.
func (q *QuotaCache) MarkExceeded(key, reason string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	entry := QuotaEntry{
		Key:      key,
		Exceeded: true,
		Reason:   reason,
		Expiry:   q.now().Add(ttl),
	}
	q.c.SetWithTTL(key, entry, 1, ttl)
	q.c.Wait()

	q.mu.Lock()
	q.keys[key] = struct{}{}
	q.mu.Unlock()
}

// IsExceeded reports whether key is currently marked as exceeded.
// An expired entry reads as not exceeded and is evicted.
func (q *QuotaCache) IsExceeded(key string) bool {
	_, ok := q.Get(key)
	return ok
}

// Get returns the live entry for key.
func (q *QuotaCache) Get(key string) (QuotaEntry, bool) {
	entry, found := q.c.Get(key)
	if !found {
		return QuotaEntry{}, false
	}
	if !entry.Exceeded || !q.now().Before(entry.Expiry) {
		q.evict(key)
		return QuotaEntry{}, false
	}
	return entry, true
}

// Clear removes the entry for key.
func (q *QuotaCache) Clear(key string) {
	q.evict(key)
}

// Cleanup evicts every expired entry and returns how many were removed.
func (q *QuotaCache) Cleanup() int {
	q.mu.Lock()
	keys := make([]string, 0, len(q.keys))
	for k := range q.keys {
		keys = append(keys, k)
	}
	q.mu.Unlock()

	removed := 0
	now := q.now()
	for _, k := range keys {
		entry, found := q.c.Get(k)
		if !found || !now.Before(entry.Expiry) {
			q.evict(k)
			removed++
		}
	}
	return removed
}

// Status returns the live entries sorted by key.
func (q *QuotaCache) Status() []QuotaEntry {
	q.mu.Lock()
	keys := make([]string, 0, len(q.keys))
	for k := range q.keys {
		keys = append(keys, k)
	}
	q.mu.Unlock()

	sort.Strings(keys)
	out := make([]QuotaEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := q.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// Close releases the underlying cache.
func (q *QuotaCache) Close() {
	q.c.Close()
}

func (q *QuotaCache) evict(key string) {
	q.c.Del(key)
	q.mu.Lock()
	delete(q.keys, key)
	q.mu.Unlock()
}
