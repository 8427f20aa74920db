// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ager implements C5: the periodic reclaimer. One Ager owns a
// monotonic tick counter and sweeps a flow.Table once per period,
// expiring entries whose age has crossed a caller-supplied timeout.
package ager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jnxsdk/flowengine/internal/engine/flow"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
)

// Default per-flow timeouts, in seconds, per §4.5.
const (
	JNXFlowTimeoutSecs            = 20
	EquilibriumNonAppTimeoutSecs  = 300
	EquilibriumAllDownTimeoutSecs = 60
)

// TimeoutFunc decides, for a given entry at the current tick, how
// many seconds of inactivity it may tolerate before expiring.
type TimeoutFunc func(e *flow.Entry, now uint64) uint64

// JNXFlowTimeout applies the uniform 20s timeout regardless of entry
// state.
func JNXFlowTimeout(_ *flow.Entry, _ uint64) uint64 { return JNXFlowTimeoutSecs }

// EquilibriumTimeout resolves an entry's owning Application by its
// original client-facing facade (Key.DstIP/Key.DstPort) and returns
// its configured flow timeout, falling back to the all-servers-down
// timeout if none of its servers are up, or the non-application
// placeholder if no Application claims this facade at all.
func EquilibriumTimeout(apps *policy.Applications) TimeoutFunc {
	return func(e *flow.Entry, _ uint64) uint64 {
		app, ok := apps.ByFacade(e.Key.DstIP, e.Key.DstPort)
		if !ok {
			return EquilibriumNonAppTimeoutSecs
		}
		if !app.AnyServerUp() {
			return EquilibriumAllDownTimeoutSecs
		}
		if app.FlowTimeoutSecs > 0 {
			return uint64(app.FlowTimeoutSecs)
		}
		return EquilibriumNonAppTimeoutSecs
	}
}

// Config wires an Ager to the table it reclaims.
type Config struct {
	Table   *flow.Table
	Period  time.Duration // wall-clock interval between sweeps; also the tick's second-count
	Worker  int           // arena worker slot the ager frees entries under
	Timeout TimeoutFunc
	// OnExpire, if set, runs once per expired entry before it is
	// freed — equilibrium uses this to release the server session
	// a forward entry held.
	OnExpire func(e *flow.Entry)
	Metrics  *metrics.Metrics
	Log      *logging.Logger
}

// Ager is C5: a single goroutine driving a monotonic clock and
// periodic expiry sweep.
type Ager struct {
	cfg Config
	log *logging.Logger
	now atomic.Uint64
}

// New returns an Ager bound to cfg. cfg.Timeout defaults to
// JNXFlowTimeout if nil.
func New(cfg Config) *Ager {
	if cfg.Timeout == nil {
		cfg.Timeout = JNXFlowTimeout
	}
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Ager{cfg: cfg, log: log.WithComponent("ager")}
}

// Now returns the ager's current monotonic tick, in seconds of
// elapsed run time. Workers read this to stamp new entries.
func (a *Ager) Now() uint64 { return a.now.Load() }

// Run drives the periodic sweep until ctx is cancelled. It is meant
// to be supervised by an errgroup.Group alongside the workers and
// prober.
func (a *Ager) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Period)
	defer ticker.Stop()

	a.log.Info("ager started", "period", a.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("ager stopping")
			return ctx.Err()
		case <-ticker.C:
			a.now.Add(uint64(a.cfg.Period.Seconds()))
			if a.now.Load() == 0 {
				a.now.Add(1)
			}
			a.sweepOnce()
		}
	}
}

func (a *Ager) sweepOnce() {
	now := a.now.Load()
	expired := a.cfg.Table.Sweep(a.cfg.Worker, func(e *flow.Entry) bool {
		// A reverse peer already downgraded to DOWN earlier in this
		// same pass (its forward or reverse counterpart aged out and
		// finalizeExpired marked it stale) has no further use and is
		// collected immediately rather than waiting for its own
		// independent age check.
		if e.Status == flow.StatusDown {
			return true
		}
		if e.Status != flow.StatusUp {
			return false
		}
		if e.Age(now) < a.cfg.Timeout(e, now) {
			return false
		}
		// This direction alone has gone idle long enough to expire.
		// Asymmetric traffic (one side idle, the other still carrying
		// keep-alives) must not sever the session out from under its
		// still-live half: check the reverse peer before committing.
		if rev := a.cfg.Table.ResolveReverse(e.Reverse); rev != nil {
			rev.Lock()
			revUp := rev.Status == flow.StatusUp
			revLastSeen := rev.LastSeen
			revIdle := rev.Age(now) >= a.cfg.Timeout(rev, now)
			rev.Unlock()
			if revUp && !revIdle {
				if revLastSeen > e.LastSeen {
					e.LastSeen = revLastSeen
				}
				return false
			}
		}
		return true
	}, a.cfg.OnExpire)

	a.cfg.Table.Reclaim()

	if expired > 0 {
		a.log.Debug("ager swept expired flows", "count", expired, "now", now)
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.FlowsExpired.Add(float64(expired))
		a.cfg.Metrics.FlowsActive.Set(float64(a.cfg.Table.EntryCount()))
	}
}
