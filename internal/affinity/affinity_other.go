// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

// Package affinity pins the calling goroutine's OS thread to a single
// CPU. sched_setaffinity is Linux-only; on every other platform Pin is
// a documented no-op so the engine still builds and runs, just without
// the cache-locality guarantee.
package affinity

// Pin is a no-op outside Linux.
func Pin(cpu int) error { return nil }

// PinIfEnabled is a no-op outside Linux.
func PinIfEnabled(enabled bool, cpu int) error { return nil }
