// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package prober implements C6: the equilibrium-only health prober. A
// single goroutine per Application walks its bound servers, opening a
// bare TCP+HTTP probe connection to each one that is due, and drives
// up/down transitions the way the teacher-adjacent probe_server /
// server_probe_failed state machine does, translated from a
// single-threaded event loop into a timer-driven goroutine.
package prober

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jnxsdk/flowengine/internal/engine/policy"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
)

// Params configures one Application's probing cadence.
type Params struct {
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	DownRetryInterval time.Duration
	TimeoutsAllowed   int
	HTTPPath          string
}

// DefaultParams is the probe cadence an application falls back to for
// any field its UpdateAppInfo left zero.
func DefaultParams() Params {
	return Params{
		ProbeInterval:     10 * time.Second,
		ProbeTimeout:      3 * time.Second,
		DownRetryInterval: 15 * time.Second,
		TimeoutsAllowed:   2,
		HTTPPath:          "/",
	}
}

// Dialer opens a probe connection; tests substitute a fake to avoid
// real network I/O.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

type serverSchedule struct {
	nextProbeAt time.Time
}

// Config wires an AppProber to the application it monitors.
type Config struct {
	App      *policy.Application
	Params   Params
	Dial     Dialer
	Tick     time.Duration // granularity at which servers are checked for due-ness
	OnTransition func(serverID uint32, addr uint32, port uint16, up bool)
	OnDownPurge  func(serverID uint32)
	Metrics  *metrics.Metrics
	Log      *logging.Logger
}

// AppProber is C6's per-application probing goroutine.
type AppProber struct {
	cfg       Config
	log       *logging.Logger
	schedules map[uint32]*serverSchedule
}

// New returns an AppProber bound to cfg. cfg.Dial defaults to a real
// TCP dial; cfg.Tick defaults to one second.
func New(cfg Config) *AppProber {
	if cfg.Dial == nil {
		cfg.Dial = defaultDialer
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &AppProber{cfg: cfg, log: log.WithComponent("prober"), schedules: make(map[uint32]*serverSchedule)}
}

// Run drives the probing loop until ctx is cancelled. The engine runs
// each AppProber on its own goroutine tracked by a sync.WaitGroup,
// outside the errgroup.Group that supervises the ager and control
// channel.
func (p *AppProber) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.log.Info("prober started", "application", p.cfg.App.Name)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("prober stopping", "application", p.cfg.App.Name)
			return ctx.Err()
		case <-ticker.C:
			p.tickOnce(ctx)
		}
	}
}

func (p *AppProber) tickOnce(ctx context.Context) {
	now := time.Now()
	for _, s := range p.cfg.App.Servers() {
		sched := p.scheduleFor(s.ID)
		if now.Before(sched.nextProbeAt) {
			continue
		}
		up := p.probe(ctx, s)
		p.applyResult(s, sched, up, now)
	}
}

func (p *AppProber) scheduleFor(id uint32) *serverSchedule {
	s, ok := p.schedules[id]
	if !ok {
		s = &serverSchedule{}
		p.schedules[id] = s
	}
	return s
}

// probe opens a connection to s, issues a minimal HTTP request, and
// reports whether the response looked like an HTTP response at all —
// the same bar the original probe's strnstr(buf, "HTTP", 4) check set.
func (p *AppProber) probe(ctx context.Context, s *policy.Server) bool {
	addr := fmt.Sprintf("%s:%d", ipString(s.Addr), s.Port)
	conn, err := p.cfg.Dial(ctx, addr, p.cfg.Params.ProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(p.cfg.Params.ProbeTimeout))
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\n\r\n", p.cfg.Params.HTTPPath, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || n < 4 {
		return false
	}
	return bytes.HasPrefix(buf[:n], []byte("HTTP"))
}

func (p *AppProber) applyResult(s *policy.Server, sched *serverSchedule, up bool, now time.Time) {
	s.Lock()
	wasUp := s.State == policy.ServerStateUp
	s.Unlock()

	if up {
		s.Lock()
		s.MarkUp()
		s.Unlock()
		sched.nextProbeAt = now.Add(p.cfg.Params.ProbeInterval)
		p.count(func(m *metrics.Metrics) { m.ProbeTransitions.WithLabelValues(p.cfg.App.Name, "probe_ok").Inc() })
		if !wasUp {
			p.log.Info("server transitioned up", "application", p.cfg.App.Name, "server", s.ID)
			if p.cfg.OnTransition != nil {
				p.cfg.OnTransition(s.ID, s.Addr, s.Port, true)
			}
		}
		return
	}

	p.count(func(m *metrics.Metrics) { m.ProbeTransitions.WithLabelValues(p.cfg.App.Name, "probe_fail").Inc() })

	if wasUp {
		s.Lock()
		s.ConsecutiveFailures++
		exceeded := int(s.ConsecutiveFailures) > p.cfg.Params.TimeoutsAllowed
		if exceeded {
			s.State = policy.ServerStateDown
			s.ActiveSessions = 0
		}
		s.Unlock()

		if !exceeded {
			sched.nextProbeAt = now.Add(p.cfg.Params.ProbeInterval)
			return
		}

		sched.nextProbeAt = now.Add(p.cfg.Params.DownRetryInterval)
		p.log.Warn("server transitioned down", "application", p.cfg.App.Name, "server", s.ID)
		if p.cfg.OnTransition != nil {
			p.cfg.OnTransition(s.ID, s.Addr, s.Port, false)
		}
		if p.cfg.OnDownPurge != nil {
			p.cfg.OnDownPurge(s.ID)
		}
		return
	}

	s.Lock()
	s.MarkDown()
	s.Unlock()
	sched.nextProbeAt = now.Add(p.cfg.Params.DownRetryInterval)
}

func (p *AppProber) count(f func(m *metrics.Metrics)) {
	if p.cfg.Metrics != nil {
		f(p.cfg.Metrics)
	}
}

func ipString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
