// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPinIfEnabledSkipsWhenDisabled(t *testing.T) {
	require.NoError(t, PinIfEnabled(false, 0))
}

func TestPinLocksToAnAvailableCPU(t *testing.T) {
	if runtime.NumCPU() < 1 {
		t.Skip("no CPUs reported")
	}
	err := Pin(0)
	if err != nil {
		t.Skipf("sched_setaffinity unavailable in this environment: %v", err)
	}
	defer runtime.UnlockOSThread()
}
