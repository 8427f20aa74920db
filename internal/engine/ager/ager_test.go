// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ager

import (
	"context"
	"testing"
	"time"

	"github.com/jnxsdk/flowengine/internal/engine/flow"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/stretchr/testify/require"
)

func TestSweepOnceExpiresStaleEntries(t *testing.T) {
	tbl := flow.NewTable(16, 64, 1)
	e, err := tbl.NewEntry(0)
	require.NoError(t, err)
	e.Key = flow.Key{SrcIP: 1, DstIP: 2, Proto: 6, SvcType: 1, SvcID: 1}
	e.Status = flow.StatusUp
	tbl.Insert(e)

	a := New(Config{Table: tbl, Worker: 0, Timeout: JNXFlowTimeout})
	a.now.Store(100)
	e.LastSeen = 0 // age 100, past the 20s uniform timeout

	a.sweepOnce()
	require.Equal(t, 0, tbl.EntryCount())
}

func TestSweepOnceSparesFreshEntries(t *testing.T) {
	tbl := flow.NewTable(16, 64, 1)
	e, err := tbl.NewEntry(0)
	require.NoError(t, err)
	e.Key = flow.Key{SrcIP: 1, DstIP: 2, Proto: 6, SvcType: 1, SvcID: 1}
	e.Status = flow.StatusUp
	e.LastSeen = 95
	tbl.Insert(e)

	a := New(Config{Table: tbl, Worker: 0, Timeout: JNXFlowTimeout})
	a.now.Store(100)

	a.sweepOnce()
	require.Equal(t, 1, tbl.EntryCount())
}

func TestSweepOnceRefreshesFromLiveReversePeer(t *testing.T) {
	tbl := flow.NewTable(16, 64, 1)
	fwd, err := tbl.NewEntry(0)
	require.NoError(t, err)
	rev, err := tbl.NewEntry(0)
	require.NoError(t, err)

	fwd.Key = flow.Key{SrcIP: 1, DstIP: 2, SrcPort: 10, DstPort: 20, Proto: 6, SvcType: 1, SvcID: 1}
	fwd.Status = flow.StatusUp
	fwd.LastSeen = 0 // idle the whole run
	fwd.Reverse = rev.Self()

	rev.Key = flow.Key{SrcIP: 2, DstIP: 1, SrcPort: 20, DstPort: 10, Proto: 6, SvcType: 1, SvcID: 1}
	rev.Status = flow.StatusUp
	rev.LastSeen = 95 // still carrying keep-alives
	rev.Reverse = fwd.Self()

	tbl.Insert(fwd)
	tbl.Insert(rev)

	a := New(Config{Table: tbl, Worker: 0, Timeout: JNXFlowTimeout})
	a.now.Store(100)

	a.sweepOnce()

	require.Equal(t, 2, tbl.EntryCount())
	require.Equal(t, flow.StatusUp, fwd.Status)
	require.Equal(t, uint64(95), fwd.LastSeen)
}

func TestSweepOnceExpiresWhenBothDirectionsIdle(t *testing.T) {
	tbl := flow.NewTable(16, 64, 1)
	fwd, err := tbl.NewEntry(0)
	require.NoError(t, err)
	rev, err := tbl.NewEntry(0)
	require.NoError(t, err)

	fwd.Key = flow.Key{SrcIP: 1, DstIP: 2, SrcPort: 10, DstPort: 20, Proto: 6, SvcType: 1, SvcID: 1}
	fwd.Status = flow.StatusUp
	fwd.LastSeen = 0
	fwd.Reverse = rev.Self()

	rev.Key = flow.Key{SrcIP: 2, DstIP: 1, SrcPort: 20, DstPort: 10, Proto: 6, SvcType: 1, SvcID: 1}
	rev.Status = flow.StatusUp
	rev.LastSeen = 0
	rev.Reverse = fwd.Self()

	tbl.Insert(fwd)
	tbl.Insert(rev)

	a := New(Config{Table: tbl, Worker: 0, Timeout: JNXFlowTimeout})
	a.now.Store(100)

	a.sweepOnce()
	require.Equal(t, 0, tbl.EntryCount())
}

func TestEquilibriumTimeoutFallsBackWhenAllDown(t *testing.T) {
	apps := policy.NewApplications()
	app := policy.NewApplication(1, "web", 0xC0000201, 80)
	app.AddServer(&policy.Server{ID: 1, Addr: 0x0A000001, Port: 8080, State: policy.ServerStateDown})
	require.NoError(t, apps.Add(app))

	fn := EquilibriumTimeout(apps)
	e := &flow.Entry{Key: flow.Key{DstIP: 0xC0000201, DstPort: 80}}
	require.Equal(t, uint64(EquilibriumAllDownTimeoutSecs), fn(e, 0))
}

func TestEquilibriumTimeoutNonApplicationPlaceholder(t *testing.T) {
	apps := policy.NewApplications()
	fn := EquilibriumTimeout(apps)
	e := &flow.Entry{Key: flow.Key{DstIP: 0xFFFFFFFF, DstPort: 9999}}
	require.Equal(t, uint64(EquilibriumNonAppTimeoutSecs), fn(e, 0))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tbl := flow.NewTable(16, 64, 1)
	a := New(Config{Table: tbl, Period: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ager did not stop after context cancellation")
	}
}
