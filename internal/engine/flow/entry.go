// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"

	"github.com/jnxsdk/flowengine/internal/engine/arena"
)

// Status is a FlowEntry's lifecycle state.
type Status uint8

const (
	StatusInit Status = iota
	StatusUp
	StatusDown
	StatusDelete
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	case StatusDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Action is the verdict a matched rule applies to a flow.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDrop
)

// Direction is the rule-matching direction of a flow.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionAny
)

// Entry is one direction of a session. It is allocated out of a
// arena.Cache[Entry] and never moves in memory; its Reverse field is
// a generational arena.Ref rather than a raw pointer so a stale
// reference to a freed-and-reused slot resolves to nil instead of
// silently reading garbage.
type Entry struct {
	mu sync.Mutex

	// next is the bucket-chain successor. It is only ever read or
	// written while the owning bucket's lock is held.
	next *Entry

	self arena.Ref // this entry's own ref, so it can be handed out as a Reverse target

	Key           Key
	Status        Status
	Action        Action
	Direction     Direction
	ServiceSetID  uint32
	RuleID        uint32
	EgressSubunit uint32 // NEXTHOP only
	FragmentGroup uint32 // first-fragment's IP identification, else 0
	FacadeAddr    uint32 // equilibrium only: chosen server (egress) or original client-facing address (ingress)
	FacadePort    uint16 // equilibrium only: chosen server's port
	ServerID      uint32 // equilibrium only: selected Server's id, for ReleaseServer on expiry

	CreatedAt uint64
	LastSeen  uint64
	Timeout   uint64 // in ager ticks

	PktsIn, BytesIn       uint64
	PktsOut, BytesOut     uint64
	PktsDropped           uint64
	BytesDropped          uint64

	Reverse arena.Ref
}

// Self returns this entry's own generational reference, suitable for
// storing as another entry's Reverse.
func (e *Entry) Self() arena.Ref { return e.self }

// Lock/Unlock expose the entry-level spinlock (§5's "entry-lock") to
// callers outside the package that must mutate status/stats/reverse
// under it — notably the ager and the worker's slow path.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Touch refreshes LastSeen to now. Caller must hold the entry lock.
func (e *Entry) Touch(now uint64) { e.LastSeen = now }

// Age returns now - LastSeen, saturating at zero.
func (e *Entry) Age(now uint64) uint64 {
	if now < e.LastSeen {
		return 0
	}
	return now - e.LastSeen
}

// AddIngress records an inbound packet's stats. Caller must hold the
// entry lock.
func (e *Entry) AddIngress(bytes uint64, now uint64) {
	e.PktsIn++
	e.BytesIn += bytes
	e.LastSeen = now
}

// AddEgress records an outbound packet's stats. Caller must hold the
// entry lock.
func (e *Entry) AddEgress(bytes uint64, now uint64) {
	e.PktsOut++
	e.BytesOut += bytes
	e.LastSeen = now
}

// AddDropped records a dropped packet's stats. Caller must hold the
// entry lock.
func (e *Entry) AddDropped(bytes uint64) {
	e.PktsDropped++
	e.BytesDropped += bytes
}
