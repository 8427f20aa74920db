// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package worker implements C4: the packet classifier. Each Worker
// owns one arena free-list index; it has no RX queue or dequeue loop
// of its own, and packets reach it only through synchronous Process
// calls on the caller's goroutine. It never shares mutable state with
// its siblings except through the lock-guarded flow table and policy
// store.
package worker

import (
	"github.com/jnxsdk/flowengine/internal/engine/flow"
	"github.com/jnxsdk/flowengine/internal/engine/packet"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/jnxsdk/flowengine/internal/errkind"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
)

// Mode selects the egress-miss disposition a Worker applies once a
// packet's rule match allows it through.
type Mode uint8

const (
	// ModeClassify passes allowed traffic through unmodified (jnx-flow).
	ModeClassify Mode = iota
	// ModeLoadBalance rewrites the destination to a selected server
	// and tracks session counts against it (equilibrium).
	ModeLoadBalance
)

// Verdict is the outcome of processing one packet.
type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictDrop
)

// Config wires a Worker to its shared collaborators. Now supplies the
// ager's monotonic tick counter; a nil Now reads as a perpetual 0,
// which is only appropriate in tests.
type Config struct {
	Mode           Mode
	Index          int
	Table          *flow.Table
	Policy         *policy.Store
	Apps           *policy.Applications // nil for ModeClassify
	Metrics        *metrics.Metrics
	Log            *logging.Logger
	Now            func() uint64
	DefaultTimeout uint64 // ager ticks
}

// Worker is one data-plane classifier's state; it starts no goroutine.
type Worker struct {
	cfg Config
	log *logging.Logger
}

// New returns a Worker bound to cfg. Collaborators are shared across
// workers; Index must be unique and below the table/apps' configured
// worker count.
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Worker{cfg: cfg, log: log.WithComponent("worker")}
}

func (w *Worker) now() uint64 {
	if w.cfg.Now == nil {
		return 0
	}
	return w.cfg.Now()
}

// Process classifies one parsed packet arriving in direction dir
// against the service-set identified by (svcType, svcID), applying
// the fast path on a flow-table hit and the slow path (policy walk +
// flow install) on a miss. Non-TCP packets pass through unmodified
// without classification; non-first TCP fragments that cannot be
// matched to an existing session are dropped.
func (w *Worker) Process(h *packet.Header, dir flow.Direction, svcType uint8, svcID uint32) Verdict {
	if h.Proto != 6 {
		return VerdictAllow
	}
	if h.IsFragment() && !h.HasTCP() {
		return w.processFragment(h, svcType, svcID)
	}

	key := flow.Key{
		SrcIP: h.SrcAddr, DstIP: h.DstAddr,
		SrcPort: h.SrcPort, DstPort: h.DstPort,
		Proto: h.Proto, SvcType: svcType, SvcID: svcID,
	}

	if entry, ok := w.cfg.Table.Lookup(key); ok {
		return w.applyFastPath(h, entry, dir)
	}

	if dir != flow.DirectionOutput {
		w.count(func(m *metrics.Metrics) { m.PacketsDropped.Inc() })
		return VerdictDrop
	}

	return w.slowPath(h, key, svcType, svcID)
}

func (w *Worker) processFragment(h *packet.Header, svcType uint8, svcID uint32) Verdict {
	fk := flow.FragKey{SrcIP: h.SrcAddr, DstIP: h.DstAddr, SvcType: svcType, SvcID: svcID, FragGroup: uint32(h.Identification)}
	entry, ok := w.cfg.Table.LookupFragment(fk)
	if !ok {
		w.count(func(m *metrics.Metrics) { m.PacketsDropped.Inc() })
		return VerdictDrop
	}
	entry.Lock()
	action := entry.Action
	entry.Touch(w.now())
	entry.Unlock()
	if action == flow.ActionDrop {
		return VerdictDrop
	}
	return VerdictAllow
}

func (w *Worker) applyFastPath(h *packet.Header, entry *flow.Entry, dir flow.Direction) Verdict {
	entry.Lock()
	action := entry.Action
	facadeAddr := entry.FacadeAddr
	facadePort := entry.FacadePort
	if dir == flow.DirectionOutput {
		entry.AddEgress(uint64(h.Length()), w.now())
	} else {
		entry.AddIngress(uint64(h.Length()), w.now())
	}
	entry.Unlock()

	if action == flow.ActionDrop {
		entry.Lock()
		entry.AddDropped(0)
		entry.Unlock()
		w.count(func(m *metrics.Metrics) { m.PacketsDropped.Inc() })
		return VerdictDrop
	}

	if w.cfg.Mode == ModeLoadBalance && facadeAddr != 0 {
		if dir == flow.DirectionOutput {
			h.RewriteDst(facadeAddr)
			h.RewriteDstPort(facadePort)
		} else {
			// ingress: entry.FacadeAddr holds the original client-visible
			// façade, not a server — rewrite the response's source back
			// to it so the client never sees the real backend.
			h.RewriteSrc(facadeAddr)
			h.RewriteSrcPort(facadePort)
		}
	}
	w.count(func(m *metrics.Metrics) { m.PacketsPassed.Inc() })
	return VerdictAllow
}

func (w *Worker) slowPath(h *packet.Header, key flow.Key, svcType uint8, svcID uint32) Verdict {
	w.cfg.Policy.RLock()
	ss, ok := w.cfg.Policy.ServiceSetByComposite(policy.ServiceSetKey{Type: policy.ServiceSetType(svcType), IDOrIIf: svcID})
	if !ok {
		w.cfg.Policy.RUnlock()
		w.count(func(m *metrics.Metrics) { m.PacketsDropped.Inc() })
		return VerdictDrop
	}

	rule, matched := w.cfg.Policy.MatchRules(ss, policy.Direction(flow.DirectionOutput), h.SrcAddr, h.DstAddr, h.Proto, h.SrcPort, h.DstPort)
	w.cfg.Policy.RUnlock()

	if !matched || rule.Action == policy.ActionDrop {
		w.recordRuleHit(ss, rule, matched)
		w.count(func(m *metrics.Metrics) { m.PacketsDropped.Inc() })
		return VerdictDrop
	}
	w.recordRuleHit(ss, rule, matched)

	revKey := key.Swap()

	var facadeAddr uint32
	var facadePort uint16
	var selectedServerID uint32
	var app *policy.Application
	if w.cfg.Mode == ModeLoadBalance {
		var ok bool
		app, ok = w.cfg.Apps.ByFacade(h.DstAddr, h.DstPort)
		if !ok {
			w.count(func(m *metrics.Metrics) { m.FlowInstallErrors.WithLabelValues("no_application").Inc() })
			return VerdictDrop
		}
		server, err := app.SelectServer()
		if err != nil {
			w.count(func(m *metrics.Metrics) { m.FlowInstallErrors.WithLabelValues(errkind.GetKind(err).String()).Inc() })
			return VerdictDrop
		}
		facadeAddr, facadePort, selectedServerID = server.Addr, server.Port, server.ID
		// the reverse direction is matched against the real server's
		// address, not the façade the client dialed — return traffic
		// arrives with the server as its source.
		revKey.SrcIP, revKey.SrcPort = facadeAddr, facadePort
		h.RewriteDst(facadeAddr)
		h.RewriteDstPort(facadePort)
	}

	existing, err := w.installFlow(key, revKey, ss.ID, rule.ID, facadeAddr, facadePort, app, selectedServerID)
	if err != nil {
		w.count(func(m *metrics.Metrics) { m.FlowInstallErrors.WithLabelValues(errkind.GetKind(err).String()).Inc() })
		if app != nil && selectedServerID != 0 {
			app.ReleaseServer(selectedServerID)
		}
		// A concurrent worker already won the race to install this
		// flow. If its entry is still up, ride it rather than drop a
		// packet that has a perfectly good session to use.
		if existing != nil && errkind.GetKind(err) == errkind.KindDuplicateFlowRace {
			existing.Lock()
			up := existing.Status == flow.StatusUp
			existing.Unlock()
			if up {
				return w.applyFastPath(h, existing, flow.DirectionOutput)
			}
		}
		return VerdictDrop
	}
	// one forward + one reverse entry, per §4.4's "bump by 2" rule.
	ss.TotalFlowCount.Add(2)
	ss.ActiveFlowCount.Add(2)

	w.count(func(m *metrics.Metrics) { m.PacketsPassed.Inc(); m.FlowsTotal.Inc() })
	return VerdictAllow
}

// installFlow allocates a forward and reverse FlowEntry pair,
// cross-links their Reverse refs, and inserts both. On partial
// failure (forward installed, reverse alloc/insert failed) the
// forward entry is marked DELETE and freed rather than left
// half-built, per the fail-safe disposition.
func (w *Worker) installFlow(key, revKey flow.Key, ssID, ruleID, facadeAddr uint32, facadePort uint16, app *policy.Application, serverID uint32) (*flow.Entry, error) {
	now := w.now()
	fwd, err := w.cfg.Table.NewEntry(w.cfg.Index)
	if err != nil {
		return nil, err
	}
	fwd.Key = key
	fwd.Status = flow.StatusUp
	fwd.Action = flow.ActionAllow
	fwd.Direction = flow.DirectionOutput
	fwd.ServiceSetID = ssID
	fwd.RuleID = ruleID
	fwd.FacadeAddr = facadeAddr
	fwd.FacadePort = facadePort
	fwd.ServerID = serverID
	fwd.CreatedAt, fwd.LastSeen = now, now
	fwd.Timeout = w.cfg.DefaultTimeout

	rev, err := w.cfg.Table.NewEntry(w.cfg.Index)
	if err != nil {
		w.failSafeAbort(fwd)
		return nil, err
	}
	rev.Key = revKey
	rev.Status = flow.StatusUp
	rev.Action = flow.ActionAllow
	rev.Direction = flow.DirectionInput
	rev.ServiceSetID = ssID
	rev.RuleID = ruleID
	if app != nil {
		// the client only ever sees the façade; the reverse entry's
		// fast path rewrites the real server's address back to it.
		rev.FacadeAddr = app.FacadeAddr
		rev.FacadePort = app.FacadePort
	}
	rev.ServerID = serverID
	rev.CreatedAt, rev.LastSeen = now, now
	rev.Timeout = w.cfg.DefaultTimeout

	fwd.Reverse = rev.Self()
	rev.Reverse = fwd.Self()

	if existing, inserted := w.cfg.Table.Insert(fwd); !inserted {
		w.failSafeAbort(fwd)
		w.cfg.Table.FreeEntry(w.cfg.Index, rev)
		return existing, errkind.New(errkind.KindDuplicateFlowRace, "worker: forward key raced with concurrent insert")
	}
	if existing, inserted := w.cfg.Table.Insert(rev); !inserted {
		// The winning reverse entry is now stale: its forward
		// counterpart's Reverse ref just got overwritten by ours, and
		// nothing will ever downgrade it on its own. Mark it DOWN so
		// the ager reaps it instead of leaving a half-linked session.
		existing.Lock()
		existing.Status = flow.StatusDown
		existing.Unlock()
		w.cfg.Table.Remove(fwd)
		w.failSafeAbort(fwd)
		w.failSafeAbort(rev)
		return nil, errkind.New(errkind.KindReverseExists, "worker: reverse key raced with concurrent insert")
	}
	return nil, nil
}

func (w *Worker) failSafeAbort(e *flow.Entry) {
	e.Lock()
	e.Status = flow.StatusDelete
	e.Unlock()
	w.cfg.Table.FreeEntry(w.cfg.Index, e)
}

func (w *Worker) recordRuleHit(ss *policy.ServiceSet, rule *policy.Rule, matched bool) {
	action := "drop"
	if matched {
		ss.AppliedRuleCount.Add(1)
		if rule.Action == policy.ActionAllow {
			action = "allow"
		}
	}
	w.count(func(m *metrics.Metrics) { m.AppliedRules.WithLabelValues(ss.Name, action).Inc() })
}

func (w *Worker) count(f func(m *metrics.Metrics)) {
	if w.cfg.Metrics != nil {
		f(w.cfg.Metrics)
	}
}
