// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package procmain is the shared data-process bootstrap jnx-flow and
// equilibrium both run: parse flags, load the bootstrap config, build
// an Engine in the caller's Mode, optionally apply an initial catalog,
// and run the engine and operator HTTP surface until a signal arrives.
// The two binaries differ only in worker.Mode and whether C6 ever runs
// (a nil Apps catalog under ModeClassify means no prober starts).
package procmain

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnxsdk/flowengine/internal/catalog"
	"github.com/jnxsdk/flowengine/internal/config"
	"github.com/jnxsdk/flowengine/internal/engine"
	"github.com/jnxsdk/flowengine/internal/engine/worker"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
	"github.com/jnxsdk/flowengine/internal/opsrv"
	"golang.org/x/sync/errgroup"
)

// Main runs a data process in the given mode to completion. component
// names the process for logging ("jnxflow" or "equilibrium"); it
// returns a non-nil error only on a genuine startup/runtime failure,
// never on a clean signal-driven shutdown.
func Main(mode worker.Mode, component string, args []string) error {
	flags := flag.NewFlagSet(component, flag.ExitOnError)
	configPath := flags.String("config", "", "Path to bootstrap YAML config")
	catalogPath := flags.String("catalog", "", "Path to an initial catalog file (overrides catalog.initial_path)")
	flags.Parse(args)

	logCfg := logging.DefaultConfig()
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg).WithComponent(component)
	logging.SetDefault(logger)

	if err := run(mode, logger, *configPath, *catalogPath); err != nil {
		logger.Error(component+" exited with error", "error", err)
		return err
	}
	logger.Info(component + " exited")
	return nil
}

func run(mode worker.Mode, logger *logging.Logger, configPath, catalogPath string) error {
	boot, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if catalogPath == "" {
		catalogPath = boot.Catalog.InitialPath
	}

	m := metrics.New()
	if err := m.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	workerCount := len(boot.DataPlane.WorkerCPUs)
	if workerCount == 0 {
		workerCount = 1
	}

	e := engine.New(engine.Config{
		Mode:             mode,
		WorkerCount:      workerCount,
		BucketCount:      boot.DataPlane.BucketCount,
		Capacity:         boot.DataPlane.ArenaEntries,
		PinThreads:       boot.DataPlane.PinThreads,
		AgerCPU:          boot.DataPlane.AgerCPU,
		ProberCPU:        boot.DataPlane.ProberCPU,
		Dial:             managerDialer(boot.CtlChan.ManagerAddr),
		CtlChanReconnect: time.Duration(boot.CtlChan.ReconnectSecs) * time.Second,
		Metrics:          m,
		Log:              logger,
	})

	if catalogPath != "" {
		doc, err := catalog.Load(catalogPath)
		if err != nil {
			return fmt.Errorf("load initial catalog: %w", err)
		}
		if err := catalog.Apply(doc, e); err != nil {
			return fmt.Errorf("apply initial catalog: %w", err)
		}
		logger.Info("initial catalog applied", "path", catalogPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })

	if boot.OpsServer.Enabled {
		ops := opsrv.New(opsrv.Config{
			Addr:   boot.OpsServer.ListenAddr,
			Source: snapshotAdapter{e},
			Log:    logger,
		})
		g.Go(func() error { return ops.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// managerDialer dials the management process's listen address; used
// as the control channel's outbound Dialer.
func managerDialer(addr string) func(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// snapshotAdapter bridges engine.Engine's typed snapshot methods to
// opsrv.Source's package-local view structs, so opsrv never needs to
// import internal/engine.
type snapshotAdapter struct {
	e *engine.Engine
}

func (a snapshotAdapter) ServiceSets() []opsrv.ServiceSetView {
	snaps := a.e.ServiceSets()
	out := make([]opsrv.ServiceSetView, len(snaps))
	for i, s := range snaps {
		out[i] = opsrv.ServiceSetView{
			ID:               s.ID,
			Name:             s.Name,
			RuleCount:        s.RuleCount,
			AppliedRuleCount: s.AppliedRuleCount,
			TotalFlowCount:   s.TotalFlowCount,
			ActiveFlowCount:  s.ActiveFlowCount,
		}
	}
	return out
}

func (a snapshotAdapter) Applications() []opsrv.ApplicationView {
	snaps := a.e.Applications()
	out := make([]opsrv.ApplicationView, len(snaps))
	for i, app := range snaps {
		servers := make([]opsrv.ServerView, len(app.Servers))
		for j, s := range app.Servers {
			servers[j] = opsrv.ServerView{
				ID: s.ID, Addr: s.Addr, Port: s.Port, State: s.State,
				ActiveSessions: s.ActiveSessions, TotalSelected: s.TotalSelected,
			}
		}
		out[i] = opsrv.ApplicationView{
			ID: app.ID, Name: app.Name, FacadeAddr: app.FacadeAddr, FacadePort: app.FacadePort,
			Servers: servers,
		}
	}
	return out
}
