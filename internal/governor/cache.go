package governor

import (
	"sync"
	"time"
)

// summaryCacheSize bounds the number of retained summaries.
const summaryCacheSize = 64

// summaryCacheMaxAge expires summaries that outlive their conversation.
const summaryCacheMaxAge = 5 * time.Minute

// cachedSummary stores a synthesized prefix summary together with a
// validator hash of the prefix it summarizes. A session that loops on
// the same oversized history reuses the summary instead of paying for
// another model call.
type cachedSummary struct {
	summary   string
	prefixKey string
	storedAt  time.Time
}

// summaryCache is a small LRU keyed by session and keep count.
type summaryCache struct {
	mu      sync.Mutex
	entries map[string]*cachedSummary
	order   []string // LRU order tracking
	maxSize int
	maxAge  time.Duration
}

func newSummaryCache(maxSize int, maxAge time.Duration) *summaryCache {
	return &summaryCache{
		entries: make(map[string]*cachedSummary),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// get returns the cached summary when it is fresh and still describes
// the same prefix. A stale or mismatched entry counts as a miss; age
// evicts, a prefix mismatch merely skips.
func (sc *summaryCache) get(key, prefixKey string, now time.Time) (string, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.entries[key]
	if !ok {
		return "", false
	}
	if now.Sub(entry.storedAt) > sc.maxAge {
		delete(sc.entries, key)
		sc.removeFromOrder(key)
		return "", false
	}
	if entry.prefixKey != prefixKey {
		return "", false
	}
	sc.moveToEnd(key)
	return entry.summary, true
}

func (sc *summaryCache) put(key, summary, prefixKey string, now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.entries[key]; ok {
		sc.moveToEnd(key)
	} else {
		sc.order = append(sc.order, key)
	}
	sc.entries[key] = &cachedSummary{summary: summary, prefixKey: prefixKey, storedAt: now}

	for len(sc.order) > sc.maxSize {
		oldest := sc.order[0]
		sc.order = sc.order[1:]
		delete(sc.entries, oldest)
	}
}

func (sc *summaryCache) len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.entries)
}

// moveToEnd moves a key to the end of the LRU order.
func (sc *summaryCache) moveToEnd(key string) {
	for i, k := range sc.order {
		if k == key {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			sc.order = append(sc.order, key)
			return
		}
	}
}

// removeFromOrder removes a key from the LRU order.
func (sc *summaryCache) removeFromOrder(key string) {
	for i, k := range sc.order {
		if k == key {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			return
		}
	}
}
