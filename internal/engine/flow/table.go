// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"

	"github.com/jnxsdk/flowengine/internal/engine/arena"
)

type bucket struct {
	mu   sync.Mutex
	head *Entry
}

// Table is the bidirectional flow hash table (C2): a fixed array of
// buckets, each an independently-locked singly-linked chain, backed
// by an arena.Cache so entries never move once allocated.
type Table struct {
	cache   *arena.Cache[Entry]
	buckets []bucket
	mask    uint64

	fragMu sync.Mutex
	frag   map[FragKey]*Entry
}

// NewTable builds a table with bucketCount buckets (rounded up to the
// next power of two) and a backing arena sized for capacity entries
// across workerCount workers.
func NewTable(bucketCount, capacity, workerCount int) *Table {
	n := 1
	for n < bucketCount {
		n <<= 1
	}
	return &Table{
		cache:   arena.NewCache[Entry]("flow", capacity, workerCount, 64),
		buckets: make([]bucket, n),
		mask:    uint64(n - 1),
		frag:    make(map[FragKey]*Entry),
	}
}

// BucketCount returns the number of buckets in the table.
func (t *Table) BucketCount() int { return len(t.buckets) }

// EntryCount returns the number of entries currently allocated.
func (t *Table) EntryCount() int { return t.cache.InUse() }

// ResolveReverse returns the entry r refers to, or nil if r is the nil
// ref or no longer resolves (its generation was reclaimed). Callers
// outside the package use this to reach an entry's reverse peer, e.g.
// the ager comparing both directions' activity before expiring one.
func (t *Table) ResolveReverse(r arena.Ref) *Entry {
	if !r.Valid() {
		return nil
	}
	return t.cache.Resolve(r)
}

// Reclaim merges every worker's arena free-list back to the global
// pool; called periodically by the ager.
func (t *Table) Reclaim() { t.cache.Reclaim() }

func (t *Table) bucketFor(k Key) *bucket {
	return &t.buckets[k.Hash()&t.mask]
}

// NewEntry allocates a fresh, zeroed Entry owned by worker, in status
// INIT, not yet inserted into any bucket.
func (t *Table) NewEntry(worker int) (*Entry, error) {
	ref, err := t.cache.Allocate(worker)
	if err != nil {
		return nil, err
	}
	e := t.cache.Resolve(ref)
	e.self = ref
	e.Status = StatusInit
	e.next = nil
	e.Reverse = arena.NilRef
	return e, nil
}

// FreeEntry returns e's slot to worker's arena free-list without
// touching the bucket chain; callers must have already unlinked e via
// Remove (or it must never have been inserted).
func (t *Table) FreeEntry(worker int, e *Entry) {
	t.cache.Free(worker, e.self)
}

// Insert adds e to the bucket its Key hashes to, unless an entry with
// an identical Key is already present, in which case Insert reports
// the existing entry and does not link e in (the DuplicateFlowRace
// disposition: the caller frees its own allocation and decides
// whether to ride the winner).
func (t *Table) Insert(e *Entry) (existing *Entry, inserted bool) {
	b := t.bucketFor(e.Key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for cur := b.head; cur != nil; cur = cur.next {
		if cur.Key == e.Key {
			return cur, false
		}
	}
	e.next = b.head
	b.head = e
	return nil, true
}

// Lookup finds the entry for k, returning ok=false if no entry
// exists, or if one exists but is not in status UP (a half-built or
// torn-down entry must never be used on the fast path).
func (t *Table) Lookup(k Key) (*Entry, bool) {
	b := t.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	for cur := b.head; cur != nil; cur = cur.next {
		if cur.Key == k {
			cur.mu.Lock()
			up := cur.Status == StatusUp
			cur.mu.Unlock()
			return cur, up
		}
	}
	return nil, false
}

// Remove unlinks e from its bucket chain. Returns false if e was not
// found (already removed, or never inserted).
func (t *Table) Remove(e *Entry) bool {
	b := t.bucketFor(e.Key)
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev *Entry
	for cur := b.head; cur != nil; cur = cur.next {
		if cur == e {
			if prev == nil {
				b.head = cur.next
			} else {
				prev.next = cur.next
			}
			cur.next = nil
			return true
		}
		prev = cur
	}
	return false
}

// RegisterFragment records e as the join point for non-first
// fragments of the session e.Key's first fragment established,
// keyed by (src, dst, service discriminator, fragment_group).
func (t *Table) RegisterFragment(e *Entry) {
	if e.FragmentGroup == 0 {
		return
	}
	fk := FragKey{SrcIP: e.Key.SrcIP, DstIP: e.Key.DstIP, SvcType: e.Key.SvcType, SvcID: e.Key.SvcID, FragGroup: e.FragmentGroup}
	t.fragMu.Lock()
	t.frag[fk] = e
	t.fragMu.Unlock()
}

func (t *Table) unregisterFragment(e *Entry) {
	if e.FragmentGroup == 0 {
		return
	}
	fk := FragKey{SrcIP: e.Key.SrcIP, DstIP: e.Key.DstIP, SvcType: e.Key.SvcType, SvcID: e.Key.SvcID, FragGroup: e.FragmentGroup}
	t.fragMu.Lock()
	delete(t.frag, fk)
	t.fragMu.Unlock()
}

// LookupFragment finds the entry a non-first fragment should join.
func (t *Table) LookupFragment(fk FragKey) (*Entry, bool) {
	t.fragMu.Lock()
	e, ok := t.frag[fk]
	t.fragMu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	up := e.Status == StatusUp
	e.mu.Unlock()
	return e, up
}

// Sweep walks every bucket once. For each non-INIT entry it calls
// decide under the entry lock; entries for which decide returns true
// are unlinked, have their reverse peer detached (nulled, and marked
// DOWN if it was UP), are handed to onExpire for caller-side
// bookkeeping (counter decrements, metric updates), and are returned
// to worker's arena free-list. Sweep is used both by the periodic
// ager pass and by explicit CLEAR_* control-channel handlers and the
// prober's per-server flow purge, which all reduce to "expire
// everything matching a predicate".
func (t *Table) Sweep(worker int, decide func(e *Entry) bool, onExpire func(e *Entry)) int {
	expired := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		var prev *Entry
		cur := b.head
		for cur != nil {
			next := cur.next
			cur.mu.Lock()
			shouldExpire := cur.Status != StatusInit && decide(cur)
			cur.mu.Unlock()

			if shouldExpire {
				if prev == nil {
					b.head = next
				} else {
					prev.next = next
				}
				cur.next = nil
				t.finalizeExpired(worker, cur, onExpire)
				expired++
			} else {
				prev = cur
			}
			cur = next
		}
		b.mu.Unlock()
	}
	return expired
}

func (t *Table) finalizeExpired(worker int, e *Entry, onExpire func(e *Entry)) {
	e.mu.Lock()
	e.Status = StatusDelete
	rev := e.Reverse
	e.Reverse = arena.NilRef
	e.mu.Unlock()

	if rev.Valid() {
		if revEntry := t.cache.Resolve(rev); revEntry != nil {
			revEntry.mu.Lock()
			revEntry.Reverse = arena.NilRef
			if revEntry.Status == StatusUp {
				revEntry.Status = StatusDown
			}
			revEntry.mu.Unlock()
		}
	}

	if onExpire != nil {
		onExpire(e)
	}

	t.unregisterFragment(e)
	t.cache.Free(worker, e.self)
}
