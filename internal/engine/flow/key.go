// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow implements C2: the bidirectional flow hash table.
// Entries are indexed by a 5-tuple plus a service-set discriminator so
// forward and reverse directions of the same session hash
// independently and land in different buckets.
package flow

import "fmt"

// hashSeed is the process-local multiplicative seed the accumulator
// starts from, carried over from the multiplicative hash idiom used
// for 4-tuple flow keys and extended here to the full 5-tuple plus
// service-set discriminator.
const hashSeed uint64 = 0x5F5F

// Key identifies one direction of a flow: the 5-tuple plus which
// service-set (and, for NEXTHOP service-sets, which ingress/egress
// subunit) it was classified against.
type Key struct {
	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16
	Proto            uint8
	SvcType          uint8 // ServiceSetType: Interface or Nexthop
	SvcID            uint32
}

// Hash returns a 64-bit multiplicative hash of the key; callers mask
// to the table size.
func (k Key) Hash() uint64 {
	h := hashSeed
	h = h*31 + uint64(k.SrcIP)
	h = h*31 + uint64(k.DstIP)
	h = h*31 + uint64(k.SrcPort)
	h = h*31 + uint64(k.DstPort)
	h = h*31 + uint64(k.Proto)
	h = h*31 + uint64(k.SvcType)
	h = h*31 + uint64(k.SvcID)
	return h
}

// Swap returns the key for the opposite direction of the same
// session: source and destination addr+port exchanged, the
// service-set discriminator for NEXTHOP service-sets flipped by the
// caller (ingress and egress subunits swap, which key.Swap alone
// cannot know — callers pass the swapped SvcID/SvcType explicitly via
// WithService).
func (k Key) Swap() Key {
	return Key{
		SrcIP: k.DstIP, DstIP: k.SrcIP,
		SrcPort: k.DstPort, DstPort: k.SrcPort,
		Proto:   k.Proto,
		SvcType: k.SvcType,
		SvcID:   k.SvcID,
	}
}

// WithService returns a copy of k with the service-set discriminator
// replaced, used when constructing a reverse key for a NEXTHOP
// service-set where ingress and egress subunits swap roles.
func (k Key) WithService(svcType uint8, svcID uint32) Key {
	k.SvcType = svcType
	k.SvcID = svcID
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d svc(%d,%d)",
		ipString(k.SrcIP), k.SrcPort, ipString(k.DstIP), k.DstPort, k.Proto, k.SvcType, k.SvcID)
}

func ipString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// FragKey identifies the entry a non-first IP fragment must join: the
// first fragment recorded its IP identification field as the
// fragment_group on the installed entry, and later fragments have no
// transport ports to hash on.
type FragKey struct {
	SrcIP, DstIP uint32
	SvcType      uint8
	SvcID        uint32
	FragGroup    uint32
}
