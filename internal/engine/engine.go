// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine wires C1-C7 into one process-scoped value. Where the
// original design kept all of this behind one set of global mutable
// variables reset per-process, Engine gives every data process its
// own independent value, constructed once at startup and torn down by
// cancelling its Run context — no process-wide state survives between
// two Engines in the same binary (the test suite builds several).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jnxsdk/flowengine/internal/affinity"
	"github.com/jnxsdk/flowengine/internal/engine/ager"
	"github.com/jnxsdk/flowengine/internal/engine/ctlchan"
	"github.com/jnxsdk/flowengine/internal/engine/flow"
	"github.com/jnxsdk/flowengine/internal/engine/packet"
	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/jnxsdk/flowengine/internal/engine/prober"
	"github.com/jnxsdk/flowengine/internal/engine/worker"
	"github.com/jnxsdk/flowengine/internal/errkind"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Config wires an Engine to its sizing and its control-channel
// transport. Mode selects jnx-flow's classify-only behavior or
// equilibrium's load-balancing and health-probing behavior.
type Config struct {
	Mode        worker.Mode
	WorkerCount int
	BucketCount int
	Capacity    int

	AgerPeriod time.Duration

	// PinThreads, AgerCPU, and ProberCPU mirror
	// config.DataPlaneConfig: when PinThreads is set, the ager
	// goroutine and each application's prober goroutine lock their OS
	// thread to the named CPU via internal/affinity, per §5's
	// per-component CPU pinning. Workers are not pinned: Engine.Process
	// runs a worker on whatever goroutine calls it.
	PinThreads bool
	AgerCPU    int
	ProberCPU  int

	Dial             ctlchan.Dialer
	CtlChanReconnect time.Duration

	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// Engine owns the whole data-plane: the flow table (C2), policy store
// and application catalog (C3), one Worker per configured CPU (C4),
// the ager (C5), one health prober per monitored application (C6, only
// under ModeLoadBalance), and the control channel (C7).
type Engine struct {
	cfg Config

	Table  *flow.Table
	Policy *policy.Store
	Apps   *policy.Applications // nil under ModeClassify

	workers []*worker.Worker
	ager    *ager.Ager
	ctl     *ctlchan.Server

	log     *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	runCtx   context.Context
	probers  map[uint32]*prober.AppProber
	proberWG sync.WaitGroup

	// knownServiceSets tracks every service-set id the control channel
	// has declared, so replaySnapshot can rebuild the catalog without
	// policy.Store needing an iteration method of its own.
	knownServiceSets map[uint32]struct{}
	// knownRules mirrors knownServiceSets for rule ids, so FETCH_RULE_INFO's
	// summary op can report a catalog-wide count the same way.
	knownRules map[uint32]struct{}
}

// New constructs an Engine from cfg. Applications intended to be
// probed from process start should be registered on e.Apps before
// calling Run; ones added later via an UpdateAppInfo control-channel
// request are picked up by StartProber from within that handler.
func New(cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BucketCount <= 0 {
		cfg.BucketCount = 1 << 19
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1 << 20
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("engine")

	table := flow.NewTable(cfg.BucketCount, cfg.Capacity, cfg.WorkerCount)
	store := policy.NewStore()

	var apps *policy.Applications
	var timeout ager.TimeoutFunc = ager.JNXFlowTimeout
	if cfg.Mode == worker.ModeLoadBalance {
		apps = policy.NewApplications()
		timeout = ager.EquilibriumTimeout(apps)
	}

	e := &Engine{
		cfg:     cfg,
		Table:   table,
		Policy:  store,
		Apps:    apps,
		log:     log,
		metrics: cfg.Metrics,
		probers: make(map[uint32]*prober.AppProber),
	}

	e.ager = ager.New(ager.Config{
		Table:    table,
		Period:   cfg.AgerPeriod,
		Timeout:  timeout,
		OnExpire: e.handleFlowExpire,
		Metrics:  cfg.Metrics,
		Log:      log,
	})

	e.workers = make([]*worker.Worker, cfg.WorkerCount)
	for i := range e.workers {
		e.workers[i] = worker.New(worker.Config{
			Mode:           cfg.Mode,
			Index:          i,
			Table:          table,
			Policy:         store,
			Apps:           apps,
			Metrics:        cfg.Metrics,
			Log:            log,
			Now:            e.ager.Now,
			DefaultTimeout: 0,
		})
	}

	e.ctl = ctlchan.NewServer(ctlchan.Config{
		Dial:        cfg.Dial,
		ReconnectIn: cfg.CtlChanReconnect,
		Replay:      e.replaySnapshot,
		Metrics:     cfg.Metrics,
		Log:         log,
	})
	e.registerHandlers()

	return e
}

// Process classifies one raw IPv4 packet arriving in direction dir
// against the service-set identified by (svcType, svcID), distributing
// it to the worker slot selected by workerIndex (a CPU/queue index
// assigned by the caller, typically the SDK runtime's RX queue id).
func (e *Engine) Process(buf []byte, dir flow.Direction, svcType uint8, svcID uint32, workerIndex int) (worker.Verdict, error) {
	h, err := packet.Parse(buf)
	if err != nil {
		return worker.VerdictDrop, err
	}
	w := e.workers[workerIndex%len(e.workers)]
	return w.Process(h, dir, svcType, svcID), nil
}

// Run starts the ager, the control channel, and a prober goroutine per
// currently-registered application (equilibrium only), and blocks
// until ctx is cancelled or one of them returns a non-context error.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	e.runCtx = gctx
	e.mu.Unlock()

	g.Go(func() error {
		if err := affinity.PinIfEnabled(e.cfg.PinThreads, e.cfg.AgerCPU); err != nil {
			e.log.Warn("ager cpu pin failed", "cpu", e.cfg.AgerCPU, "error", err)
		}
		return e.ager.Run(gctx)
	})
	g.Go(func() error { return e.ctl.Run(gctx) })

	if e.Apps != nil {
		for _, app := range e.Apps.All() {
			e.startProberLocked(gctx, app)
		}
	}

	err := g.Wait()
	e.proberWG.Wait()
	return err
}

// StartProber begins monitoring app's servers; safe to call at any
// point after Run has begun, e.g. from the UpdateAppInfo handler when
// the management process declares a new application at runtime.
func (e *Engine) StartProber(app *policy.Application) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		return // Run has not started yet; apps registered before Run are picked up there
	}
	e.startProberLocked(ctx, app)
}

func (e *Engine) startProberLocked(ctx context.Context, app *policy.Application) {
	if !app.HasMonitor() {
		// No probe cadence configured: servers are trusted up and
		// never checked, per the UpdateAppInfo wire contract's zero
		// ProbeIntervalSecs meaning "no monitor".
		return
	}
	e.mu.Lock()
	if _, exists := e.probers[app.ID]; exists {
		e.mu.Unlock()
		return
	}
	p := prober.New(prober.Config{
		App:    app,
		Params: appProberParams(app),
		OnTransition: func(serverID, addr uint32, port uint16, up bool) {
			e.handleProbeTransition(app, serverID, addr, port, up)
		},
		OnDownPurge: e.handleDownPurge,
		Metrics:     e.metrics,
		Log:         e.log,
	})
	e.probers[app.ID] = p
	e.mu.Unlock()

	e.proberWG.Add(1)
	go func() {
		defer e.proberWG.Done()
		if err := affinity.PinIfEnabled(e.cfg.PinThreads, e.cfg.ProberCPU); err != nil {
			e.log.Warn("prober cpu pin failed", "cpu", e.cfg.ProberCPU, "error", err)
		}
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("prober exited unexpectedly", "application", app.Name, "error", err)
		}
	}()
}

// handleFlowExpire is C5's OnExpire callback: it decrements the owning
// service-set's active-flow counter and, for equilibrium, releases the
// session the entry held against its chosen server, per §4.5.
func (e *Engine) handleFlowExpire(entry *flow.Entry) {
	if ss, ok := e.Policy.ServiceSetByID(entry.ServiceSetID); ok {
		ss.ActiveFlowCount.Add(-1)
	}
	if e.Apps != nil && entry.Direction == flow.DirectionOutput && entry.ServerID != 0 {
		if app, ok := e.Apps.ByFacade(entry.Key.DstIP, entry.Key.DstPort); ok {
			app.ReleaseServer(entry.ServerID)
		}
	}
}

// handleProbeTransition is C6's OnTransition callback: it notifies the
// management process of a server's up/down transition over C7 and
// refreshes the prober's gauges.
func (e *Engine) handleProbeTransition(app *policy.Application, serverID, addr uint32, port uint16, up bool) {
	e.ctl.Notify(ctlchan.Sub{
		Header:  ctlchan.SubHeader{SubType: ctlchan.SubTypeServerStatus},
		Payload: ctlchan.ServerStatusEvent{AppID: app.ID, ServerID: serverID, Addr: addr, Port: port, Up: up}.Marshal(),
	})
	if e.metrics != nil {
		state := "down"
		if up {
			state = "up"
		}
		e.metrics.ProbeTransitions.WithLabelValues(app.Name, state).Inc()
		upCount, downCount := countServerStates(app)
		e.metrics.ServersUp.WithLabelValues(app.Name).Set(float64(upCount))
		e.metrics.ServersDown.WithLabelValues(app.Name).Set(float64(downCount))
	}
}

// handleDownPurge is C6's OnDownPurge callback: it frees every forward
// flow entry whose chosen backend is serverID, so clients rehome on
// their next packet, plus any entry already DOWN when the sweep reaches
// it. A reverse peer that a forward entry's removal downgrades to DOWN
// is freed in the same pass only if its bucket is visited after that
// forward entry's; otherwise it stays DOWN until a later sweep.
func (e *Engine) handleDownPurge(serverID uint32) {
	e.Table.Sweep(0, func(entry *flow.Entry) bool {
		if entry.Status == flow.StatusDown {
			return true
		}
		return entry.Direction == flow.DirectionOutput && entry.ServerID == serverID
	}, nil)
	e.Table.Reclaim()
}

// appProberParams builds an AppProber's cadence from the values the
// management process declared over UpdateAppInfo, falling back to
// prober.DefaultParams for any field it left zero.
func appProberParams(app *policy.Application) prober.Params {
	p := prober.DefaultParams()
	if app.ProbeIntervalSecs > 0 {
		p.ProbeInterval = time.Duration(app.ProbeIntervalSecs) * time.Second
	}
	if app.ProbeTimeoutSecs > 0 {
		p.ProbeTimeout = time.Duration(app.ProbeTimeoutSecs) * time.Second
	}
	if app.DownRetrySecs > 0 {
		p.DownRetryInterval = time.Duration(app.DownRetrySecs) * time.Second
	}
	if app.TimeoutsAllowed > 0 {
		p.TimeoutsAllowed = app.TimeoutsAllowed
	}
	return p
}

func countServerStates(app *policy.Application) (up, down int) {
	for _, s := range app.Servers() {
		s.Lock()
		state := s.State
		s.Unlock()
		if state == policy.ServerStateUp {
			up++
		} else {
			down++
		}
	}
	return up, down
}

// replaySnapshot builds the full catalog of live RuleInfo, ServiceInfo,
// SvcRuleInfo, and (equilibrium only) UpdateAppInfo and ServerInfo
// subs (every rule first, then each service-set followed by its rule
// bindings, then each application followed by its servers), sent after
// every control-channel reconnect so the management process rebuilds
// its view from a known-consistent baseline rather than a diff against
// history it may have lost across the outage.
func (e *Engine) replaySnapshot() []ctlchan.Sub {
	var subs []ctlchan.Sub
	// service-sets and their bound rules
	// (ServiceSet/Rule catalogs are walked in full, not incrementally,
	// since a reconnect discards whatever partial state the peer had)
	e.mu.Lock()
	ruleIDs := make([]uint32, 0, len(e.knownRules))
	for id := range e.knownRules {
		ruleIDs = append(ruleIDs, id)
	}
	e.mu.Unlock()
	for _, id := range ruleIDs {
		if r, ok := e.Policy.RuleByID(id); ok {
			info := ctlchan.RuleInfo{RuleIndex: r.ID, RuleName: r.Name, Action: uint8(r.Action), Direction: uint8(r.Direction), SrcMask: r.SrcMask, DstMask: r.DstMask,
				Flow: ctlchan.FlowInfo{Src: r.SrcAddr, Dst: r.DstAddr, Proto: r.Proto, SPort: r.SrcPort, DPort: r.DstPort}}
			subs = append(subs, ctlchan.Sub{Header: ctlchan.SubHeader{SubType: ctlchan.SubTypeRuleInfo, OpCode: ctlchan.OpAdd}, Payload: info.Marshal()})
		}
	}
	e.Policy.RLock()
	for _, ssID := range e.policyServiceSetIDsLocked() {
		ss, ok := e.Policy.ServiceSetByID(ssID)
		if !ok {
			continue
		}
		subs = append(subs, ctlchan.Sub{
			Header: ctlchan.SubHeader{SubType: ctlchan.SubTypeServiceInfo, OpCode: ctlchan.OpAdd},
			Payload: ctlchan.ServiceInfo{
				SvcIndex:   ss.ID,
				SvcName:    ss.Name,
				SvcType:    uint8(ss.Type),
				InSubunit:  ss.InSubunit,
				OutSubunit: ss.OutSubunit,
			}.Marshal(),
		})
		for _, b := range ss.Rules {
			subs = append(subs, ctlchan.Sub{
				Header:  ctlchan.SubHeader{SubType: ctlchan.SubTypeSvcRuleInfo, OpCode: ctlchan.OpAdd},
				Payload: ctlchan.SvcRuleInfo{SvcIndex: ss.ID, Position: b.Position, RuleIndex: b.RuleID}.Marshal(),
			})
		}
	}
	e.Policy.RUnlock()

	if e.Apps != nil {
		for _, app := range e.Apps.All() {
			subs = append(subs, ctlchan.Sub{
				Header: ctlchan.SubHeader{SubType: ctlchan.SubTypeUpdateAppInfo, OpCode: ctlchan.OpAdd},
				Payload: ctlchan.UpdateAppInfo{
					AppName:    app.Name,
					FacadeAddr: app.FacadeAddr,
					FacadePort: app.FacadePort,
				}.Marshal(),
			})
			for _, s := range app.Servers() {
				s.Lock()
				addr, port, weight := s.Addr, s.Port, s.Weight
				s.Unlock()
				subs = append(subs, ctlchan.Sub{
					Header:  ctlchan.SubHeader{SubType: ctlchan.SubTypeServerInfo, OpCode: ctlchan.OpAdd},
					Payload: ctlchan.ServerInfo{AppID: app.ID, ServerID: s.ID, Addr: addr, Port: port, Weight: weight}.Marshal(),
				})
			}
		}
	}
	return subs
}

// policyServiceSetIDsLocked collects every service-set id the control
// channel has declared. Store's dual-index layout is keyed for O(1)
// lookup, not ordered iteration, so the replay path tracks ids
// separately as they arrive rather than walking the Store's maps
// directly.
func (e *Engine) policyServiceSetIDsLocked() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint32, 0, len(e.knownServiceSets))
	for id := range e.knownServiceSets {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) registerHandlers() {
	e.knownServiceSets = make(map[uint32]struct{})
	e.knownRules = make(map[uint32]struct{})

	e.ctl.SetHandler(ctlchan.SubTypeServiceInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
		info, err := ctlchan.UnmarshalServiceInfo(sub.Payload)
		if err != nil {
			return nil, ctlchan.ErrMessageInvalid
		}
		switch sub.Header.OpCode {
		case ctlchan.OpDelete:
			if err := e.Policy.DeleteServiceSet(info.SvcIndex); err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			e.mu.Lock()
			delete(e.knownServiceSets, info.SvcIndex)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.ServiceSetCount.Dec()
			}
			return nil, ctlchan.ErrNoError
		case ctlchan.OpChange:
			err := e.Policy.ChangeServiceSet(info.SvcIndex, func(ss *policy.ServiceSet) {
				ss.Name = info.SvcName
				ss.Type = policy.ServiceSetType(info.SvcType)
				ss.InSubunit = info.InSubunit
				ss.OutSubunit = info.OutSubunit
			})
			if err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			return nil, ctlchan.ErrNoError
		default: // OpAdd
			ss := &policy.ServiceSet{
				ID: info.SvcIndex, Name: info.SvcName,
				Type:      policy.ServiceSetType(info.SvcType),
				InSubunit: info.InSubunit, OutSubunit: info.OutSubunit,
			}
			if err := e.Policy.AddServiceSet(ss); err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			e.mu.Lock()
			e.knownServiceSets[ss.ID] = struct{}{}
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.ServiceSetCount.Inc()
			}
			return nil, ctlchan.ErrNoError
		}
	})

	e.ctl.SetHandler(ctlchan.SubTypeRuleInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
		info, err := ctlchan.UnmarshalRuleInfo(sub.Payload)
		if err != nil {
			return nil, ctlchan.ErrMessageInvalid
		}
		switch sub.Header.OpCode {
		case ctlchan.OpDelete:
			if err := e.Policy.DeleteRule(info.RuleIndex); err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			e.mu.Lock()
			delete(e.knownRules, info.RuleIndex)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.RuleCount.Dec()
			}
			return nil, ctlchan.ErrNoError
		case ctlchan.OpChange:
			err := e.Policy.ChangeRule(info.RuleIndex, func(r *policy.Rule) {
				r.Name = info.RuleName
				r.Action = policy.Action(info.Action)
				r.Direction = policy.Direction(info.Direction)
				r.SrcAddr, r.SrcMask = info.Flow.Src, info.SrcMask
				r.DstAddr, r.DstMask = info.Flow.Dst, info.DstMask
				r.Proto, r.SrcPort, r.DstPort = info.Flow.Proto, info.Flow.SPort, info.Flow.DPort
			})
			if err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			return nil, ctlchan.ErrNoError
		default: // OpAdd
			r := &policy.Rule{
				ID: info.RuleIndex, Name: info.RuleName,
				Action: policy.Action(info.Action), Direction: policy.Direction(info.Direction),
				SrcAddr: info.Flow.Src, SrcMask: info.SrcMask,
				DstAddr: info.Flow.Dst, DstMask: info.DstMask,
				Proto: info.Flow.Proto, SrcPort: info.Flow.SPort, DstPort: info.Flow.DPort,
			}
			if err := e.Policy.AddRule(r); err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			e.mu.Lock()
			e.knownRules[r.ID] = struct{}{}
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.RuleCount.Inc()
			}
			return nil, ctlchan.ErrNoError
		}
	})

	e.ctl.SetHandler(ctlchan.SubTypeSvcRuleInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
		info, err := ctlchan.UnmarshalSvcRuleInfo(sub.Payload)
		if err != nil {
			return nil, ctlchan.ErrMessageInvalid
		}
		if sub.Header.OpCode == ctlchan.OpDelete {
			if err := e.Policy.DeleteServiceRule(info.SvcIndex, info.Position, info.RuleIndex); err != nil {
				return nil, ctlchan.FromKind(errkind.GetKind(err))
			}
			return nil, ctlchan.ErrNoError
		}
		// OpAdd and OpChange share AddServiceRule's swap-at-position
		// semantics: there is no separate "change a binding in place".
		if err := e.Policy.AddServiceRule(info.SvcIndex, info.Position, info.RuleIndex); err != nil {
			return nil, ctlchan.FromKind(errkind.GetKind(err))
		}
		return nil, ctlchan.ErrNoError
	})

	e.ctl.SetHandler(ctlchan.SubTypeClearInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
		info, err := ctlchan.UnmarshalClearInfo(sub.Payload)
		if err != nil {
			return nil, ctlchan.ErrMessageInvalid
		}
		count := e.clearFlows(info)
		resp := make([]byte, 4)
		resp[0], resp[1], resp[2], resp[3] = byte(count>>24), byte(count>>16), byte(count>>8), byte(count)
		return resp, ctlchan.ErrNoError
	})

	e.ctl.SetHandler(ctlchan.SubTypeFetchSvcInfo, e.handleFetchSvcInfo)
	e.ctl.SetHandler(ctlchan.SubTypeFetchRuleInfo, e.handleFetchRuleInfo)
	e.ctl.SetHandler(ctlchan.SubTypeFetchFlowInfo, e.handleFetchFlowInfo)

	if e.Apps != nil {
		e.ctl.SetHandler(ctlchan.SubTypeUpdateAppInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
			info, err := ctlchan.UnmarshalUpdateAppInfo(sub.Payload)
			if err != nil {
				return nil, ctlchan.ErrMessageInvalid
			}
			switch sub.Header.OpCode {
			case ctlchan.OpDelete:
				app, ok := e.Apps.ByName(info.AppName)
				if !ok {
					return nil, ctlchan.ErrEntryAbsent
				}
				if err := e.Apps.Remove(app.ID); err != nil {
					return nil, ctlchan.FromKind(errkind.GetKind(err))
				}
				return nil, ctlchan.ErrNoError
			case ctlchan.OpChange:
				app, ok := e.Apps.ByName(info.AppName)
				if !ok {
					return nil, ctlchan.ErrEntryAbsent
				}
				app.Update(func(a *policy.Application) {
					a.FacadeAddr = info.FacadeAddr
					a.FacadePort = info.FacadePort
					a.ProbeIntervalSecs = int(info.ProbeIntervalSecs)
					a.ProbeTimeoutSecs = int(info.ProbeTimeoutSecs)
					a.TimeoutsAllowed = int(info.TimeoutsAllowed)
					a.DownRetrySecs = int(info.DownRetrySecs)
					a.FlowTimeoutSecs = int(info.FlowTimeoutSecs)
				})
				return nil, ctlchan.ErrNoError
			default: // OpAdd
				app := policy.NewApplication(uint32(len(e.Apps.All()))+1, info.AppName, info.FacadeAddr, info.FacadePort)
				app.ProbeIntervalSecs = int(info.ProbeIntervalSecs)
				app.ProbeTimeoutSecs = int(info.ProbeTimeoutSecs)
				app.TimeoutsAllowed = int(info.TimeoutsAllowed)
				app.DownRetrySecs = int(info.DownRetrySecs)
				app.FlowTimeoutSecs = int(info.FlowTimeoutSecs)
				if err := e.Apps.Add(app); err != nil {
					return nil, ctlchan.FromKind(errkind.GetKind(err))
				}
				e.StartProber(app)
				return nil, ctlchan.ErrNoError
			}
		})

		e.ctl.SetHandler(ctlchan.SubTypeServerInfo, func(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
			info, err := ctlchan.UnmarshalServerInfo(sub.Payload)
			if err != nil {
				return nil, ctlchan.ErrMessageInvalid
			}
			app, ok := e.Apps.ByID(info.AppID)
			if !ok {
				return nil, ctlchan.ErrEntryAbsent
			}
			if sub.Header.OpCode == ctlchan.OpDelete {
				app.RemoveServer(info.ServerID)
				return nil, ctlchan.ErrNoError
			}
			// Add and Change both declare the server's current
			// address/port/weight; a no-monitor application trusts its
			// servers up immediately since nothing will ever probe them.
			state := policy.ServerStateUnknown
			if !app.HasMonitor() {
				state = policy.ServerStateUp
			}
			app.AddServer(&policy.Server{ID: info.ServerID, Addr: info.Addr, Port: info.Port, Weight: info.Weight, State: state})
			return nil, ctlchan.ErrNoError
		})
	}
}

// handleFetchSvcInfo answers FETCH_SVC_INFO. OpSummary reports
// catalog-wide totals; OpEntry and OpExtensive report one service-set's
// identity plus its live counters.
func (e *Engine) handleFetchSvcInfo(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
	if sub.Header.OpCode == ctlchan.OpSummary {
		ids := e.policyServiceSetIDsLocked()
		var total, active uint64
		for _, id := range ids {
			if ss, ok := e.Policy.ServiceSetByID(id); ok {
				total += uint64(ss.TotalFlowCount.Load())
				active += uint64(ss.ActiveFlowCount.Load())
			}
		}
		return ctlchan.CatalogSummary{Count: uint32(len(ids)), TotalFlowCount: total, ActiveFlowCount: active}.Marshal(), ctlchan.ErrNoError
	}

	req, err := ctlchan.UnmarshalFetchRequest(sub.Payload)
	if err != nil {
		return nil, ctlchan.ErrMessageInvalid
	}
	ss, ok := e.Policy.ServiceSetByID(req.ID)
	if !ok {
		return nil, ctlchan.ErrEntryAbsent
	}
	stats := ctlchan.ServiceSetStats{
		Info: ctlchan.ServiceInfo{
			SvcIndex: ss.ID, SvcName: ss.Name, SvcType: uint8(ss.Type),
			InSubunit: ss.InSubunit, OutSubunit: ss.OutSubunit,
		},
		AppliedRuleCount: uint64(ss.AppliedRuleCount.Load()),
		TotalFlowCount:   uint64(ss.TotalFlowCount.Load()),
		ActiveFlowCount:  uint64(ss.ActiveFlowCount.Load()),
	}
	return stats.Marshal(), ctlchan.ErrNoError
}

// handleFetchRuleInfo answers FETCH_RULE_INFO. OpSummary reports the
// rule catalog's size; OpEntry and OpExtensive report one rule's
// declared attributes (rules carry no per-rule flow counters, only the
// service-sets that bind them do).
func (e *Engine) handleFetchRuleInfo(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
	if sub.Header.OpCode == ctlchan.OpSummary {
		e.mu.Lock()
		count := len(e.knownRules)
		e.mu.Unlock()
		return ctlchan.CatalogSummary{Count: uint32(count)}.Marshal(), ctlchan.ErrNoError
	}

	req, err := ctlchan.UnmarshalFetchRequest(sub.Payload)
	if err != nil {
		return nil, ctlchan.ErrMessageInvalid
	}
	r, ok := e.Policy.RuleByID(req.ID)
	if !ok {
		return nil, ctlchan.ErrEntryAbsent
	}
	info := ctlchan.RuleInfo{
		RuleIndex: r.ID, RuleName: r.Name,
		Action: uint8(r.Action), Direction: uint8(r.Direction),
		SrcMask: r.SrcMask, DstMask: r.DstMask,
		Flow: ctlchan.FlowInfo{Src: r.SrcAddr, Dst: r.DstAddr, Proto: r.Proto, SPort: r.SrcPort, DPort: r.DstPort},
	}
	return info.Marshal(), ctlchan.ErrNoError
}

// handleFetchFlowInfo answers FETCH_FLOW_INFO. Only OpSummary is
// supported: the flow table is keyed by 5-tuple, not by a numeric id,
// so a single-entry OpEntry/OpExtensive fetch has no id to resolve
// against and reports ErrConfigInvalid instead of guessing.
func (e *Engine) handleFetchFlowInfo(sub ctlchan.Sub) ([]byte, ctlchan.ErrCode) {
	if sub.Header.OpCode != ctlchan.OpSummary {
		return nil, ctlchan.ErrConfigInvalid
	}
	n := uint64(e.Table.EntryCount())
	return ctlchan.CatalogSummary{Count: uint32(n), TotalFlowCount: n, ActiveFlowCount: n}.Marshal(), ctlchan.ErrNoError
}

// clearFlows implements every CLEAR_FLOW_* request by actually
// unlinking and freeing matching entries via Table.Sweep, returning
// the count cleared — the resolved disposition for this request
// family, rather than a stub success acknowledgement.
func (e *Engine) clearFlows(info ctlchan.ClearInfo) uint32 {
	var decide func(entry *flow.Entry) bool
	switch info.Selector {
	case ctlchan.ClearByRule:
		decide = func(entry *flow.Entry) bool { return entry.RuleID == info.RuleID }
	case ctlchan.ClearByServiceSet:
		decide = func(entry *flow.Entry) bool { return entry.ServiceSetID == info.SvcSetID }
	case ctlchan.ClearByServiceType:
		decide = func(entry *flow.Entry) bool { return entry.Key.SvcType == info.SvcType }
	case ctlchan.ClearAll:
		decide = func(entry *flow.Entry) bool { return true }
	default:
		return 0
	}
	if cb := info.ClearedBy; cb != (ctlchan.FlowInfo{}) {
		base := decide
		decide = func(entry *flow.Entry) bool {
			k := entry.Key
			return base(entry) && (cb.Src == 0 || cb.Src == k.SrcIP) && (cb.Dst == 0 || cb.Dst == k.DstIP) &&
				(cb.Proto == 0 || cb.Proto == k.Proto) && (cb.SPort == 0 || cb.SPort == k.SrcPort) && (cb.DPort == 0 || cb.DPort == k.DstPort)
		}
	}
	n := e.Table.Sweep(0, decide, nil)
	e.Table.Reclaim()
	return uint32(n)
}
