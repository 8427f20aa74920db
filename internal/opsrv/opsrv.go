// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package opsrv is the small operator-facing HTTP server every data
// process exposes alongside its packet path: Prometheus metrics and a
// JSON view of the live service-set and application catalogs.
package opsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the subset of *engine.Engine that opsrv renders. It is
// declared here rather than imported so opsrv does not pull in the
// full engine package graph just to render JSON; internal/procmain,
// which both cmd/jnxflow and cmd/equilibrium run, adapts the
// *engine.Engine by converting its snapshot methods' results into
// ServiceSetView/ApplicationView.
type Source interface {
	ServiceSets() []ServiceSetView
	Applications() []ApplicationView
}

// ServiceSetView and ApplicationView mirror engine.ServiceSetSnapshot
// and engine.ApplicationSnapshot field-for-field; Source implementations
// convert their native snapshot slices into these before returning, so
// this package never imports internal/engine and stays usable from
// either jnx-flow or equilibrium without pulling in the other's
// C4-C7 wiring.
type ServiceSetView struct {
	ID               uint32 `json:"id"`
	Name             string `json:"name"`
	RuleCount        int    `json:"rule_count"`
	AppliedRuleCount int64  `json:"applied_rule_count"`
	TotalFlowCount   int64  `json:"total_flow_count"`
	ActiveFlowCount  int64  `json:"active_flow_count"`
}

type ServerView struct {
	ID             uint32 `json:"id"`
	Addr           uint32 `json:"addr"`
	Port           uint16 `json:"port"`
	State          string `json:"state"`
	ActiveSessions uint32 `json:"active_sessions"`
	TotalSelected  uint64 `json:"total_selected"`
}

type ApplicationView struct {
	ID         uint32       `json:"id"`
	Name       string       `json:"name"`
	FacadeAddr uint32       `json:"facade_addr"`
	FacadePort uint16       `json:"facade_port"`
	Servers    []ServerView `json:"servers"`
}

// Config configures Server.
type Config struct {
	Addr   string
	Source Source
	Log    *logging.Logger
}

// Server is the operator-facing HTTP surface: /metrics plus a JSON
// view of the live catalogs under /status. It carries none of the
// control-channel or packet-path state itself, only a Source to read
// it from.
type Server struct {
	cfg    Config
	router *mux.Router
	http   *http.Server
	log    *logging.Logger
}

// New builds a Server and registers its routes; call Run to start
// listening.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("opsrv")

	s := &Server{cfg: cfg, router: mux.NewRouter(), log: log}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/status/servicesets", s.handleServiceSets).Methods("GET")
	s.router.HandleFunc("/status/applications", s.handleApplications).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("opsrv listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("opsrv: shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleServiceSets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Source.ServiceSets())
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	apps := s.cfg.Source.Applications()
	if apps == nil {
		apps = []ApplicationView{}
	}
	writeJSON(w, apps)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
