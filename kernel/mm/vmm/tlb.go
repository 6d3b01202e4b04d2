package vmm

import (
	"cowmm/kernel/mm"
	"cowmm/kernel/sync"
)

// TLB caches virtual to physical translations for an address space. Every
// change that revokes or downgrades a translation must be followed by a
// flush, otherwise user accesses may keep using the stale translation.
type TLB interface {
	// Lookup returns a cached translation for page.
	Lookup(page mm.Page) (Mapping, bool)

	// Fill caches a translation.
	Fill(m Mapping)

	// FlushEntry invalidates the cached translation for a single page.
	FlushEntry(page mm.Page)

	// FlushAll invalidates all cached translations.
	FlushAll()
}

// TLBStats contains usage counters for a SoftTLB.
type TLBStats struct {
	Hits, Misses          uint64
	EntryFlushes, Flushes uint64
}

// SoftTLB is a software translation cache with a bounded number of entries.
// When full, Fill evicts an arbitrary entry.
type SoftTLB struct {
	mutex    sync.Spinlock
	capacity int
	entries  map[mm.Page]Mapping
	stats    TLBStats
}

// DefaultTLBEntries is the capacity of a SoftTLB created with a zero size.
const DefaultTLBEntries = 64

// NewSoftTLB creates a software TLB that caches up to capacity translations.
func NewSoftTLB(capacity int) *SoftTLB {
	if capacity <= 0 {
		capacity = DefaultTLBEntries
	}

	return &SoftTLB{
		capacity: capacity,
		entries:  make(map[mm.Page]Mapping, capacity),
	}
}

// Lookup implements TLB.
func (t *SoftTLB) Lookup(page mm.Page) (Mapping, bool) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	m, ok := t.entries[page]
	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}
	return m, ok
}

// Fill implements TLB.
func (t *SoftTLB) Fill(m Mapping) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	if _, exists := t.entries[m.Page]; !exists && len(t.entries) >= t.capacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}
	t.entries[m.Page] = m
}

// FlushEntry implements TLB.
func (t *SoftTLB) FlushEntry(page mm.Page) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	delete(t.entries, page)
	t.stats.EntryFlushes++
}

// FlushAll implements TLB.
func (t *SoftTLB) FlushAll() {
	t.mutex.Acquire()
	defer t.mutex.Release()

	for page := range t.entries {
		delete(t.entries, page)
	}
	t.stats.Flushes++
}

// Len returns the number of cached translations.
func (t *SoftTLB) Len() int {
	t.mutex.Acquire()
	defer t.mutex.Release()

	return len(t.entries)
}

// Stats returns a snapshot of the TLB usage counters.
func (t *SoftTLB) Stats() TLBStats {
	t.mutex.Acquire()
	defer t.mutex.Release()

	return t.stats
}
