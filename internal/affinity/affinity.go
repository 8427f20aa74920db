// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package affinity pins the calling goroutine's OS thread to a single
// CPU, for the workers, ager, and prober goroutines that benefit from
// staying on one core's cache lines rather than migrating under the Go
// scheduler.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and
// restricts that thread to cpu. The caller's goroutine must not exit
// until the pinned work is done — a goroutine that returns while still
// locked leaves its OS thread parked rather than returned to the
// scheduler, so Run loops call Pin once at startup and hold it for
// their entire lifetime.
func Pin(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// PinIfEnabled calls Pin when enabled is true, otherwise it is a no-op
// — the escape hatch for config.DataPlaneConfig.PinThreads=false on
// hosts where CPU pinning is undesirable (containers sharing a cpuset,
// non-NUMA dev boxes).
func PinIfEnabled(enabled bool, cpu int) error {
	if !enabled {
		return nil
	}
	return Pin(cpu)
}
