// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet parses IPv4+TCP headers out of a raw buffer and
// performs RFC 1624 incremental checksum adjustment when a worker
// rewrites an address or port in place.
package packet

import (
	"encoding/binary"

	"github.com/jnxsdk/flowengine/internal/errkind"
)

const (
	minIPv4HeaderLen  = 20
	minTCPHeaderLen   = 20
	protocolTCP       = 6
	flagMoreFragments = 0x2000 // IP flags+fragment-offset field, MF bit
	fragOffsetMask    = 0x1FFF
)

// Header is a parsed IPv4 header plus, when present, its TCP header —
// both as byte offsets into the original buffer rather than copies,
// so in-place checksum rewrites land where the caller will eventually
// transmit from.
type Header struct {
	buf []byte

	ihl       int // header length in bytes
	totalLen  int

	SrcAddr uint32
	DstAddr uint32
	Proto   uint8

	MoreFragments bool
	FragOffset    uint16
	Identification uint16

	hasTCP   bool
	tcpStart int
	SrcPort  uint16
	DstPort  uint16
}

// Parse reads an IPv4 header, and a TCP header if Proto==6 and this
// is the first fragment, out of buf. It returns KindMalformedPacket
// for anything truncated or self-inconsistent.
func Parse(buf []byte) (*Header, error) {
	if len(buf) < minIPv4HeaderLen {
		return nil, errkind.Errorf(errkind.KindMalformedPacket, "packet: buffer too short for IPv4 header (%d bytes)", len(buf))
	}
	verIHL := buf[0]
	if verIHL>>4 != 4 {
		return nil, errkind.Errorf(errkind.KindMalformedPacket, "packet: not IPv4 (version %d)", verIHL>>4)
	}
	ihl := int(verIHL&0x0F) * 4
	if ihl < minIPv4HeaderLen || len(buf) < ihl {
		return nil, errkind.Errorf(errkind.KindMalformedPacket, "packet: invalid IHL %d", ihl)
	}

	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ihl || totalLen > len(buf) {
		return nil, errkind.Errorf(errkind.KindMalformedPacket, "packet: total length %d inconsistent with buffer of %d", totalLen, len(buf))
	}

	flagsFrag := binary.BigEndian.Uint16(buf[6:8])

	h := &Header{
		buf:            buf,
		ihl:            ihl,
		totalLen:       totalLen,
		SrcAddr:        binary.BigEndian.Uint32(buf[12:16]),
		DstAddr:        binary.BigEndian.Uint32(buf[16:20]),
		Proto:          buf[9],
		Identification: binary.BigEndian.Uint16(buf[4:6]),
		MoreFragments:  flagsFrag&flagMoreFragments != 0,
		FragOffset:     flagsFrag & fragOffsetMask,
	}

	if h.Proto == protocolTCP && h.FragOffset == 0 {
		tcpStart := ihl
		if len(buf) < tcpStart+minTCPHeaderLen {
			return nil, errkind.Errorf(errkind.KindMalformedPacket, "packet: buffer too short for TCP header")
		}
		h.hasTCP = true
		h.tcpStart = tcpStart
		h.SrcPort = binary.BigEndian.Uint16(buf[tcpStart : tcpStart+2])
		h.DstPort = binary.BigEndian.Uint16(buf[tcpStart+2 : tcpStart+4])
	}

	return h, nil
}

// HasTCP reports whether this packet carried a parsed TCP header —
// false for non-TCP protocols and for non-first fragments.
func (h *Header) HasTCP() bool { return h.hasTCP }

// IsFragment reports whether this packet is part of a fragmented
// datagram (either it has more fragments coming, or it is itself a
// non-first fragment).
func (h *Header) IsFragment() bool {
	return h.MoreFragments || h.FragOffset != 0
}

// Length returns the total IPv4 datagram length, per the header's own
// total-length field.
func (h *Header) Length() int { return h.totalLen }

func (h *Header) ipChecksumField() []byte  { return h.buf[10:12] }
func (h *Header) tcpChecksumField() []byte { return h.buf[h.tcpStart+16 : h.tcpStart+18] }

// RewriteSrc replaces the source address in place, adjusting the IP
// checksum and, when a TCP header is present, the TCP checksum (which
// covers the pseudo-header's addresses) to match.
func (h *Header) RewriteSrc(newAddr uint32) {
	var old, new_ [4]byte
	binary.BigEndian.PutUint32(old[:], h.SrcAddr)
	binary.BigEndian.PutUint32(new_[:], newAddr)

	adjustChecksum(h.ipChecksumField(), old[:], new_[:])
	if h.hasTCP {
		adjustChecksum(h.tcpChecksumField(), old[:], new_[:])
	}
	binary.BigEndian.PutUint32(h.buf[12:16], newAddr)
	h.SrcAddr = newAddr
}

// RewriteDst replaces the destination address in place, adjusting
// checksums the same way RewriteSrc does. This is the core operation
// behind reverse-proxy nexthop rewriting.
func (h *Header) RewriteDst(newAddr uint32) {
	var old, new_ [4]byte
	binary.BigEndian.PutUint32(old[:], h.DstAddr)
	binary.BigEndian.PutUint32(new_[:], newAddr)

	adjustChecksum(h.ipChecksumField(), old[:], new_[:])
	if h.hasTCP {
		adjustChecksum(h.tcpChecksumField(), old[:], new_[:])
	}
	binary.BigEndian.PutUint32(h.buf[16:20], newAddr)
	h.DstAddr = newAddr
}

// RewriteSrcPort replaces the TCP source port in place, adjusting only
// the TCP checksum. No-op if this packet carries no TCP header.
func (h *Header) RewriteSrcPort(newPort uint16) {
	if !h.hasTCP {
		return
	}
	var old, new_ [2]byte
	binary.BigEndian.PutUint16(old[:], h.SrcPort)
	binary.BigEndian.PutUint16(new_[:], newPort)

	adjustChecksum(h.tcpChecksumField(), old[:], new_[:])
	binary.BigEndian.PutUint16(h.buf[h.tcpStart:h.tcpStart+2], newPort)
	h.SrcPort = newPort
}

// RewriteDstPort replaces the TCP destination port in place,
// adjusting only the TCP checksum. No-op if this packet carries no
// TCP header.
func (h *Header) RewriteDstPort(newPort uint16) {
	if !h.hasTCP {
		return
	}
	var old, new_ [2]byte
	binary.BigEndian.PutUint16(old[:], h.DstPort)
	binary.BigEndian.PutUint16(new_[:], newPort)

	adjustChecksum(h.tcpChecksumField(), old[:], new_[:])
	binary.BigEndian.PutUint16(h.buf[h.tcpStart+2:h.tcpStart+4], newPort)
	h.DstPort = newPort
}

// adjustChecksum applies RFC 1624's incremental update to the 16-bit
// one's-complement checksum at chksum, replacing the old field bytes
// with the new ones. old and new_ must be the same, even length.
func adjustChecksum(chksum, old, new_ []byte) {
	x := int32(chksum[0])*256 + int32(chksum[1])
	x = ^x & 0xFFFF

	for i := 0; i < len(old); i += 2 {
		o := int32(old[i])*256 + int32(old[i+1])
		x -= o & 0xFFFF
		if x <= 0 {
			x--
			x &= 0xFFFF
		}
	}
	for i := 0; i < len(new_); i += 2 {
		n := int32(new_[i])*256 + int32(new_[i+1])
		x += n & 0xFFFF
		if x&0x10000 != 0 {
			x++
			x &= 0xFFFF
		}
	}
	x = ^x & 0xFFFF
	chksum[0] = byte(x / 256)
	chksum[1] = byte(x & 0xFF)
}

// Checksum16 computes the ones-complement checksum of buf from
// scratch (RFC 1071), used by tests to confirm an incremental
// adjustment lands on the same value a full recompute would.
func Checksum16(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
