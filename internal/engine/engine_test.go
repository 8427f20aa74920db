// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jnxsdk/flowengine/internal/engine/ager"
	"github.com/jnxsdk/flowengine/internal/engine/ctlchan"
	"github.com/jnxsdk/flowengine/internal/engine/flow"
	"github.com/jnxsdk/flowengine/internal/engine/packet"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/jnxsdk/flowengine/internal/engine/worker"
	"github.com/jnxsdk/flowengine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func buildIPv4TCP(t *testing.T, srcAddr, dstAddr uint32, srcPort, dstPort uint16) []byte {
	t.Helper()
	buf := make([]byte, 40)
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[9] = 6
	binary.BigEndian.PutUint32(buf[12:16], srcAddr)
	binary.BigEndian.PutUint32(buf[16:20], dstAddr)
	binary.BigEndian.PutUint16(buf[10:12], packet.Checksum16(buf[:20]))
	tcp := buf[20:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4
	return buf
}

func newClassifyEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{
		Mode:        worker.ModeClassify,
		WorkerCount: 1,
		BucketCount: 16,
		Capacity:    64,
		Metrics:     metrics.New(),
	})
	require.NoError(t, e.Policy.AddServiceSet(&policy.ServiceSet{ID: 7, Name: "sp0", Type: policy.ServiceSetInterface}))
	return e
}

// Scenario 1: an ALLOW rule installs a forward+reverse flow pair and
// the packet passes through untouched (ModeClassify never rewrites).
func TestAllowInstallsFlowPairAndPassesPacket(t *testing.T) {
	e := newClassifyEngine(t)
	require.NoError(t, e.Policy.AddRule(&policy.Rule{
		ID: 1, Action: policy.ActionAllow, Direction: policy.DirectionAny,
		SrcAddr: 0x0A000000, SrcMask: 0xFF000000, DstPort: 80,
	}))
	require.NoError(t, e.Policy.AddServiceRule(7, 1, 1))

	buf := buildIPv4TCP(t, 0x0A000005, 0xC0A80109, 40000, 80)
	orig := append([]byte(nil), buf...)

	v, err := e.Process(buf, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 7, 0)
	require.NoError(t, err)
	require.Equal(t, worker.VerdictAllow, v)
	require.Equal(t, orig, buf)
	require.Equal(t, 2, e.Table.EntryCount())

	ss, ok := e.Policy.ServiceSetByID(7)
	require.True(t, ok)
	require.Equal(t, int64(1), ss.AppliedRuleCount.Load())
	require.Equal(t, int64(2), ss.TotalFlowCount.Load())
	require.Equal(t, int64(2), ss.ActiveFlowCount.Load())
}

// Scenario 2: a DROP rule installs no flow at all and is counted.
func TestDropInstallsNoFlow(t *testing.T) {
	e := newClassifyEngine(t)
	require.NoError(t, e.Policy.AddRule(&policy.Rule{
		ID: 2, Action: policy.ActionDrop, Direction: policy.DirectionAny, DstPort: 443,
	}))
	require.NoError(t, e.Policy.AddServiceRule(7, 1, 2))

	buf := buildIPv4TCP(t, 0x0A000005, 0xC0A80109, 40000, 443)
	v, err := e.Process(buf, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 7, 0)
	require.NoError(t, err)
	require.Equal(t, worker.VerdictDrop, v)
	require.Equal(t, 0, e.Table.EntryCount())
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.PacketsDropped))
}

// Scenario 3: once both directions of an installed flow have aged
// past the timeout, one sweep pass frees both entries and the
// service-set's active count returns to zero while its lifetime total
// is retained.
func TestAgerSweepFreesBothDirectionsInOnePass(t *testing.T) {
	e := newClassifyEngine(t)
	require.NoError(t, e.Policy.AddRule(&policy.Rule{ID: 1, Action: policy.ActionAllow, Direction: policy.DirectionAny}))
	require.NoError(t, e.Policy.AddServiceRule(7, 1, 1))

	buf := buildIPv4TCP(t, 0x0A000005, 0x0A000009, 40000, 80)
	_, err := e.Process(buf, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 7, 0)
	require.NoError(t, err)
	require.Equal(t, 2, e.Table.EntryCount())

	ss, _ := e.Policy.ServiceSetByID(7)
	require.Equal(t, int64(2), ss.ActiveFlowCount.Load())

	decide := func(entry *flow.Entry) bool {
		if entry.Status == flow.StatusDown {
			return true
		}
		if entry.Status != flow.StatusUp {
			return false
		}
		return entry.Age(ager.JNXFlowTimeoutSecs+5) >= ager.JNXFlowTimeoutSecs
	}
	expired := e.Table.Sweep(0, decide, e.handleFlowExpire)
	e.Table.Reclaim()

	require.Equal(t, 2, expired)
	require.Equal(t, 0, e.Table.EntryCount())
	require.Equal(t, int64(0), ss.ActiveFlowCount.Load())
	require.Equal(t, int64(2), ss.TotalFlowCount.Load())
}

func newLoadBalanceEngine(t *testing.T) (*Engine, *policy.Application) {
	t.Helper()
	e := New(Config{
		Mode:        worker.ModeLoadBalance,
		WorkerCount: 1,
		BucketCount: 16,
		Capacity:    64,
		Metrics:     metrics.New(),
	})
	require.NoError(t, e.Policy.AddServiceSet(&policy.ServiceSet{ID: 1, Name: "sp0", Type: policy.ServiceSetInterface}))
	require.NoError(t, e.Policy.AddRule(&policy.Rule{ID: 1, Action: policy.ActionAllow, Direction: policy.DirectionAny}))
	require.NoError(t, e.Policy.AddServiceRule(1, 1, 1))

	app := policy.NewApplication(1, "www", 0xC0A8000A, 80) // 192.168.0.10:80
	app.AddServer(&policy.Server{ID: 2, Addr: 0xC0A80002, Port: 80, State: policy.ServerStateUp})
	app.AddServer(&policy.Server{ID: 3, Addr: 0xC0A80003, Port: 80, State: policy.ServerStateUp})
	app.AddServer(&policy.Server{ID: 4, Addr: 0xC0A80004, Port: 80, State: policy.ServerStateUp})
	require.NoError(t, e.Apps.Add(app))
	return e, app
}

// Scenario 4: a new flow toward a monitored facade is rewritten to the
// least-loaded (tie-broken by lowest id) server, with valid checksums
// and a reverse entry that restores the facade identity on return
// traffic.
func TestLoadBalanceSelectsServerAndRewritesChecksumsValid(t *testing.T) {
	e, app := newLoadBalanceEngine(t)

	buf := buildIPv4TCP(t, 0xC0A80207, 0xC0A8000A, 55555, 80) // 192.168.2.7 -> facade
	v, err := e.Process(buf, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 1, 0)
	require.NoError(t, err)
	require.Equal(t, worker.VerdictAllow, v)

	require.Equal(t, uint32(0xC0A80002), binary.BigEndian.Uint32(buf[16:20]))
	require.Equal(t, uint16(80), binary.BigEndian.Uint16(buf[20+2:20+4]))
	require.Equal(t, uint16(0), packet.Checksum16(buf[:20]))

	s, ok := app.Server(2)
	require.True(t, ok)
	require.Equal(t, uint32(1), s.ActiveSessions)

	rev, ok := e.Table.Lookup(flow.Key{
		SrcIP: 0xC0A80002, DstIP: 0xC0A80207, SrcPort: 80, DstPort: 55555,
		Proto: 6, SvcType: uint8(policy.ServiceSetInterface), SvcID: 1,
	})
	require.True(t, ok)
	require.Equal(t, uint32(0xC0A8000A), rev.FacadeAddr)
	require.Equal(t, uint16(80), rev.FacadePort)

	// A reply arriving from the real server has its source rewritten
	// back to the facade before the client ever sees it.
	reply := buildIPv4TCP(t, 0xC0A80002, 0xC0A80207, 80, 55555)
	v, err = e.Process(reply, flow.DirectionInput, uint8(policy.ServiceSetInterface), 1, 0)
	require.NoError(t, err)
	require.Equal(t, worker.VerdictAllow, v)
	require.Equal(t, uint32(0xC0A8000A), binary.BigEndian.Uint32(reply[12:16]))
	require.Equal(t, uint16(80), binary.BigEndian.Uint16(reply[20:22]))
	require.Equal(t, uint16(0), packet.Checksum16(reply[:20]))
}

// Scenario 5: once a selected server is marked down and purged, its
// in-flight flows are freed and the next packet for that client
// rehomes onto a still-up server.
func TestServerDownPurgeForcesRehome(t *testing.T) {
	e, app := newLoadBalanceEngine(t)

	buf := buildIPv4TCP(t, 0xC0A80207, 0xC0A8000A, 55555, 80)
	_, err := e.Process(buf, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, e.Table.EntryCount())

	chosenAddr := binary.BigEndian.Uint32(buf[16:20])
	var chosenID uint32
	for _, s := range app.Servers() {
		if s.Addr == chosenAddr {
			chosenID = s.ID
		}
	}
	require.NotZero(t, chosenID)

	s, _ := app.Server(chosenID)
	s.Lock()
	s.MarkDown()
	s.Unlock()

	e.handleDownPurge(chosenID)
	// handleDownPurge's single pass is guaranteed to remove every
	// forward entry bound to chosenID; a reverse peer whose own bucket
	// was already visited before its forward half's removal downgraded
	// it to DOWN needs one more pass to collect, same as the ager's.
	e.Table.Sweep(0, func(entry *flow.Entry) bool { return entry.Status == flow.StatusDown }, nil)
	e.Table.Reclaim()
	require.Equal(t, 0, e.Table.EntryCount())

	buf2 := buildIPv4TCP(t, 0xC0A80208, 0xC0A8000A, 55556, 80)
	v, err := e.Process(buf2, flow.DirectionOutput, uint8(policy.ServiceSetInterface), 1, 0)
	require.NoError(t, err)
	require.Equal(t, worker.VerdictAllow, v)
	require.NotEqual(t, chosenAddr, binary.BigEndian.Uint32(buf2[16:20]))
}

// Scenario 6: on a control-channel reconnect, the management process
// receives a DELETE_ALL followed by the live catalog snapshot — the
// engine's own replaySnapshot wired into a fresh ctlchan.Server — a
// fresh baseline rather than a diff against whatever it had before
// the outage.
func TestCtlChanReplaysCatalogOnReconnect(t *testing.T) {
	e, _ := newLoadBalanceEngine(t)

	client, srvConn := net.Pipe()
	defer client.Close()

	var dialed bool
	srv := ctlchan.NewServer(ctlchan.Config{
		Dial: func(ctx context.Context) (net.Conn, error) {
			if dialed {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			dialed = true
			return srvConn, nil
		},
		ReconnectIn: time.Millisecond,
		Replay:      e.replaySnapshot,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ctlchan.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, ctlchan.MsgTypeEvent, frame.Header.MsgType)
	require.True(t, len(frame.Subs) >= 2)
	require.Equal(t, ctlchan.SubTypeDeleteAll, frame.Subs[0].Header.SubType)

	var sawAppInfo bool
	for _, sub := range frame.Subs[1:] {
		if sub.Header.SubType == ctlchan.SubTypeUpdateAppInfo {
			sawAppInfo = true
		}
	}
	require.True(t, sawAppInfo)
}
