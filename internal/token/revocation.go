package token

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

var _ Revocations = (*DenyList)(nil)

// DenyList is an in-memory revocation set keyed by token ID. A bloom filter
// answers most "not revoked" lookups without taking the lock; positives are
// confirmed against the map.
//
// The published filter is never mutated. Writers copy it, add under mu and
// store the copy, so a reader that sees an ID in the filter finds it in the
// map once mu is free.
//
// Entries are kept until the revoked token would have expired anyway.
type DenyList struct {
	mu       sync.RWMutex
	filter   atomic.Pointer[bloom.BloomFilter]
	entries  map[string]time.Time
	capacity uint
	now      func() time.Time
}

// NewDenyList sizes the filter for roughly capacity concurrent revocations.
func NewDenyList(capacity uint, now func() time.Time) *DenyList {
	if capacity == 0 {
		capacity = 1024
	}
	if now == nil {
		now = time.Now
	}
	d := &DenyList{
		entries:  make(map[string]time.Time),
		capacity: capacity,
		now:      now,
	}
	d.filter.Store(bloom.NewWithEstimates(capacity, 0.001))
	return d
}

// Revoke denies id until expiresAt. Revoking an already expired token is a
// no-op.
func (d *DenyList) Revoke(id string, expiresAt time.Time) {
	if !d.now().Before(expiresAt) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = expiresAt
	next := d.filter.Load().Copy()
	next.AddString(id)
	d.filter.Store(next)
}

// Revoked reports whether id is on the list. A filter miss returns without
// locking.
func (d *DenyList) Revoked(id string) bool {
	if !d.filter.Load().TestString(id) {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	exp, ok := d.entries[id]
	return ok && d.now().Before(exp)
}

// Len returns the number of live entries.
func (d *DenyList) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Prune drops expired entries and rebuilds the filter, since bloom filters
// cannot forget. It returns the number of entries removed.
func (d *DenyList) Prune() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	capacity := d.capacity
	if n := uint(len(d.entries)); n > capacity {
		capacity = n
	}
	next := bloom.NewWithEstimates(capacity, 0.001)
	for id := range d.entries {
		next.AddString(id)
	}
	d.filter.Store(next)
	return removed
}
