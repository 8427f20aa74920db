// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package arena implements C1: fixed-size typed slab caches over a
// preallocated backing array, with a per-worker free-list and batched
// refill from a global pool so packet workers never contend on a
// shared lock in the common case.
package arena

import (
	"sync"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

// Ref is a generational index into a Cache: Index selects the slot,
// Gen must match the slot's current generation for the reference to
// still be valid. This replaces raw pointer back-references (spec
// design note: "generational index protects against ABA when the
// ager frees then reallocates a slot").
type Ref struct {
	Index uint32
	Gen   uint32
}

// Valid reports whether r refers to any slot at all. It does not by
// itself prove the generation still matches; callers must check via
// Cache.Resolve.
func (r Ref) Valid() bool { return r.Gen != 0 }

// NilRef is the zero value: no slot, no generation.
var NilRef = Ref{}

// Cache is a typed slab allocator for entity kind T. It is created
// once at boot with a fixed capacity and a fixed worker count; no
// entry is ever moved in memory, only recycled in place.
type Cache[T any] struct {
	name      string
	storage   []T
	gen       []uint32
	globalMu  sync.Mutex
	global    []uint32
	workerMu  []sync.Mutex
	workers   [][]uint32
	batchSize int
}

// NewCache preallocates capacity objects of type T and their
// bookkeeping, splitting the initial free pool across the global
// stack only — workers refill lazily on first use.
func NewCache[T any](name string, capacity, workerCount, batchSize int) *Cache[T] {
	if batchSize <= 0 {
		batchSize = 32
	}
	c := &Cache[T]{
		name:      name,
		storage:   make([]T, capacity),
		gen:       make([]uint32, capacity),
		global:    make([]uint32, capacity),
		workers:   make([][]uint32, workerCount),
		workerMu:  make([]sync.Mutex, workerCount),
		batchSize: batchSize,
	}
	for i := 0; i < capacity; i++ {
		c.gen[i] = 1
		c.global[i] = uint32(i)
	}
	for w := range c.workers {
		c.workers[w] = make([]uint32, 0, batchSize)
	}
	return c
}

// Name returns the cache's diagnostic name (e.g. "flow", "packet").
func (c *Cache[T]) Name() string { return c.name }

// Capacity returns the total number of slots in the cache.
func (c *Cache[T]) Capacity() int { return len(c.storage) }

// refill moves up to batchSize slots from the global pool into
// worker's local free-list. Caller must hold workerMu[worker].
func (c *Cache[T]) refill(worker int) {
	c.globalMu.Lock()
	n := c.batchSize
	if n > len(c.global) {
		n = len(c.global)
	}
	if n > 0 {
		c.workers[worker] = append(c.workers[worker], c.global[len(c.global)-n:]...)
		c.global = c.global[:len(c.global)-n]
	}
	c.globalMu.Unlock()
}

// Allocate returns a Ref to a fresh slot owned by worker, refilling
// from the global pool if the worker's local free-list is empty. It
// fails with errkind.KindAllocFailure when neither the worker's
// free-list nor the global pool has a free slot; slots sitting on other
// workers' free-lists are not used until Reclaim returns them.
func (c *Cache[T]) Allocate(worker int) (Ref, error) {
	c.workerMu[worker].Lock()
	defer c.workerMu[worker].Unlock()

	if len(c.workers[worker]) == 0 {
		c.refill(worker)
	}
	if len(c.workers[worker]) == 0 {
		return NilRef, errkind.Errorf(errkind.KindAllocFailure, "arena: cache %q exhausted", c.name)
	}
	last := len(c.workers[worker]) - 1
	idx := c.workers[worker][last]
	c.workers[worker] = c.workers[worker][:last]

	var zero T
	c.storage[idx] = zero
	return Ref{Index: idx, Gen: c.gen[idx]}, nil
}

// Free returns a slot to worker's local free-list and bumps its
// generation so any stale Ref referring to it no longer resolves.
func (c *Cache[T]) Free(worker int, ref Ref) {
	if int(ref.Index) >= len(c.storage) {
		return
	}
	c.workerMu[worker].Lock()
	defer c.workerMu[worker].Unlock()

	c.gen[ref.Index]++
	if c.gen[ref.Index] == 0 {
		c.gen[ref.Index] = 1
	}
	c.workers[worker] = append(c.workers[worker], ref.Index)
}

// Resolve returns a pointer to the slot named by ref, or nil if ref's
// generation is stale (the slot has since been freed and possibly
// reallocated).
func (c *Cache[T]) Resolve(ref Ref) *T {
	if !ref.Valid() || int(ref.Index) >= len(c.storage) {
		return nil
	}
	if c.gen[ref.Index] != ref.Gen {
		return nil
	}
	return &c.storage[ref.Index]
}

// Reclaim merges every worker's local free-list back into the global
// pool. Called periodically by the ager so idle workers don't hoard
// capacity other workers need.
func (c *Cache[T]) Reclaim() {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	for w := range c.workers {
		c.workerMu[w].Lock()
		c.global = append(c.global, c.workers[w]...)
		c.workers[w] = c.workers[w][:0]
		c.workerMu[w].Unlock()
	}
}

// InUse returns the number of slots not currently on any free-list.
func (c *Cache[T]) InUse() int {
	c.globalMu.Lock()
	free := len(c.global)
	c.globalMu.Unlock()
	for w := range c.workers {
		c.workerMu[w].Lock()
		free += len(c.workers[w])
		c.workerMu[w].Unlock()
	}
	return len(c.storage) - free
}
