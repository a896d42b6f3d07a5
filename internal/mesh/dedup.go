package mesh

import (
	"container/list"
	"sync"
	"time"
)

// DedupCapacity and DedupWindow bound the inbound packet-id deduplicator
// (§4.6: "LRU 1024 x 300s").
const (
	DedupCapacity = 1024
	DedupWindow   = 300 * time.Second
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// Deduplicator tracks recently-seen packet ids with a combined time+LRU
// eviction policy, grounded on leebo-zerogo/internal/vl2/switch.go's MAC
// table (map + doubly-linked recency list, evictOldest when full,
// CleanExpired sweeping entries past a fixed age) generalized from MAC
// addresses to packet identifiers and from a single eviction threshold to
// the capacity+time-window pair the spec calls for.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

// NewDeduplicator constructs a Deduplicator bounded at capacity entries,
// each valid for window.
func NewDeduplicator(capacity int, window time.Duration) *Deduplicator {
	return &Deduplicator{
		capacity: capacity,
		window:   window,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// SeenOrRecord reports whether id has already been recorded within the
// window; if not, it records id as seen now and returns false.
func (d *Deduplicator) SeenOrRecord(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[id]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < d.window {
			d.ll.MoveToFront(el)
			return true
		}
		// Stale entry for this id: treat as not-seen, refresh it.
		entry.seen = now
		d.ll.MoveToFront(el)
		return false
	}

	el := d.ll.PushFront(&dedupEntry{id: id, seen: now})
	d.items[id] = el
	if d.ll.Len() > d.capacity {
		d.compact(now)
	}
	return false
}

// Sweep removes every entry older than the window and, separately, compacts
// to 25% capacity if still at or above capacity. Intended to be called
// periodically.
func (d *Deduplicator) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(now)
	if d.ll.Len() >= d.capacity {
		d.compact(now)
	}
}

func (d *Deduplicator) expireLocked(now time.Time) {
	for el := d.ll.Back(); el != nil; {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < d.window {
			break
		}
		prev := el.Prev()
		d.ll.Remove(el)
		delete(d.items, entry.id)
		el = prev
	}
}

// compact must be called with d.mu held. It first expires stale entries,
// then — if still at capacity — evicts the oldest entries down to 25% of
// capacity, per spec wording ("compacts to 25% of capacity when full or on
// periodic sweep").
func (d *Deduplicator) compact(now time.Time) {
	d.expireLocked(now)
	target := d.capacity / 4
	for d.ll.Len() > target {
		el := d.ll.Back()
		if el == nil {
			break
		}
		entry := el.Value.(*dedupEntry)
		d.ll.Remove(el)
		delete(d.items, entry.id)
	}
}

// Len returns the current number of tracked ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}
