// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"
	"testing"

	"github.com/jnxsdk/flowengine/internal/errkind"
	"github.com/stretchr/testify/require"
)

// buildIPv4TCP assembles a minimal IPv4+TCP packet (no options, no
// payload) with correct from-scratch checksums, for use as test fixture.
func buildIPv4TCP(t *testing.T, srcAddr, dstAddr uint32, srcPort, dstPort uint16) []byte {
	t.Helper()
	const ipHdrLen = 20
	const tcpHdrLen = 20
	buf := make([]byte, ipHdrLen+tcpHdrLen)

	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], 0x1234) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0)      // flags/frag offset
	buf[8] = 64                                  // ttl
	buf[9] = protocolTCP
	binary.BigEndian.PutUint32(buf[12:16], srcAddr)
	binary.BigEndian.PutUint32(buf[16:20], dstAddr)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	binary.BigEndian.PutUint16(buf[10:12], Checksum16(buf[:ipHdrLen]))

	tcp := buf[ipHdrLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4 // data offset 5, no options
	binary.BigEndian.PutUint16(tcp[16:18], 0)
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksumFromScratch(srcAddr, dstAddr, tcp))

	return buf
}

// tcpChecksumFromScratch computes the TCP checksum including the
// IPv4 pseudo-header, for building test fixtures independently of the
// package's own incremental-adjustment code path.
func tcpChecksumFromScratch(srcAddr, dstAddr uint32, tcpSeg []byte) uint16 {
	pseudo := make([]byte, 12+len(tcpSeg))
	binary.BigEndian.PutUint32(pseudo[0:4], srcAddr)
	binary.BigEndian.PutUint32(pseudo[4:8], dstAddr)
	pseudo[8] = 0
	pseudo[9] = protocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSeg)))
	copy(pseudo[12:], tcpSeg)
	return Checksum16(pseudo)
}

func TestParseIPv4TCP(t *testing.T) {
	buf := buildIPv4TCP(t, 0x0A000001, 0x0A000002, 54321, 80)
	h, err := Parse(buf)
	require.NoError(t, err)
	require.True(t, h.HasTCP())
	require.Equal(t, uint32(0x0A000001), h.SrcAddr)
	require.Equal(t, uint32(0x0A000002), h.DstAddr)
	require.Equal(t, uint16(54321), h.SrcPort)
	require.Equal(t, uint16(80), h.DstPort)
	require.False(t, h.IsFragment())
}

func TestParseTruncatedHeaderIsMalformed(t *testing.T) {
	buf := buildIPv4TCP(t, 0x0A000001, 0x0A000002, 1, 2)
	_, err := Parse(buf[:10])
	require.Error(t, err)
	require.Equal(t, errkind.KindMalformedPacket, errkind.GetKind(err))
}

func TestParseNonFirstFragmentHasNoTCP(t *testing.T) {
	buf := buildIPv4TCP(t, 0x0A000001, 0x0A000002, 1, 2)
	binary.BigEndian.PutUint16(buf[6:8], 40) // fragment offset 40, no MF
	h, err := Parse(buf)
	require.NoError(t, err)
	require.False(t, h.HasTCP())
	require.True(t, h.IsFragment())
}

func TestRewriteDstMatchesFromScratchRecompute(t *testing.T) {
	const oldDst = uint32(0x0A000002)
	const newDst = uint32(0xC0A80101)
	buf := buildIPv4TCP(t, 0x0A000001, oldDst, 54321, 80)

	h, err := Parse(buf)
	require.NoError(t, err)
	h.RewriteDst(newDst)

	wantIPCk := Checksum16(zeroedChecksum(buf[:minIPv4HeaderLen], 10))
	gotIPCk := binary.BigEndian.Uint16(buf[10:12])
	require.Equal(t, wantIPCk, gotIPCk)

	pseudo := make([]byte, 12+minTCPHeaderLen)
	binary.BigEndian.PutUint32(pseudo[0:4], h.SrcAddr)
	binary.BigEndian.PutUint32(pseudo[4:8], h.DstAddr)
	pseudo[9] = protocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], minTCPHeaderLen)
	copy(pseudo[12:], buf[minIPv4HeaderLen:minIPv4HeaderLen+minTCPHeaderLen])
	zeroed := zeroedChecksum(pseudo, 12+16)
	wantTCPCk := Checksum16(zeroed)
	gotTCPCk := binary.BigEndian.Uint16(buf[minIPv4HeaderLen+16 : minIPv4HeaderLen+18])
	require.Equal(t, wantTCPCk, gotTCPCk)
}

func TestRewriteDstPortAdjustsOnlyTCP(t *testing.T) {
	buf := buildIPv4TCP(t, 0x0A000001, 0x0A000002, 54321, 80)
	h, err := Parse(buf)
	require.NoError(t, err)
	ipCkBefore := binary.BigEndian.Uint16(buf[10:12])

	h.RewriteDstPort(8080)
	require.Equal(t, uint16(8080), h.DstPort)
	require.Equal(t, ipCkBefore, binary.BigEndian.Uint16(buf[10:12]), "port rewrite must not touch the IP checksum")
}

// zeroedChecksum copies buf and zeroes the two checksum bytes at
// offset ckOffset, mirroring how Checksum16 expects to be invoked on
// a from-scratch computation.
func zeroedChecksum(buf []byte, ckOffset int) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	out[ckOffset] = 0
	out[ckOffset+1] = 0
	return out
}
