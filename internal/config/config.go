// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the flat bootstrap configuration read once at
// process start: listen/dial addresses for the control channel, CPU
// affinity sets, arena sizing, and the path to an initial catalog
// snapshot used in tests and standalone demos. Runtime policy itself
// always arrives over the control channel (C7), never from this file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the top-level bootstrap document.
type Bootstrap struct {
	DataPlane DataPlaneConfig `yaml:"data_plane"`
	CtlChan   CtlChanConfig   `yaml:"control_channel"`
	OpsServer OpsServerConfig `yaml:"ops_server"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// DataPlaneConfig sizes the engine's workers, arena, and hash table.
type DataPlaneConfig struct {
	WorkerCPUs   []int `yaml:"worker_cpus"`
	AgerCPU      int   `yaml:"ager_cpu"`
	ProberCPU    int   `yaml:"prober_cpu"`
	PinThreads   bool  `yaml:"pin_threads"`
	BucketCount  int   `yaml:"bucket_count"`
	ArenaEntries int   `yaml:"arena_entries"`
	RXQueueDepth int   `yaml:"rx_queue_depth"`
}

// CtlChanConfig configures the C7 listen+dial endpoints.
type CtlChanConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	ManagerAddr   string `yaml:"manager_addr"`
	ReconnectSecs int    `yaml:"reconnect_seconds"`
	MaxRetries    int    `yaml:"max_retries"`
}

// OpsServerConfig configures the JSON/Prometheus operational surface.
type OpsServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// CatalogConfig points at an optional initial policy snapshot, used by
// standalone demos and integration tests instead of waiting for a
// manager connection.
type CatalogConfig struct {
	InitialPath string `yaml:"initial_path"`
}

// Default returns sane single-host defaults: two worker CPUs, no
// pinning, a full-size bucket table, ops server enabled on localhost.
func Default() Bootstrap {
	return Bootstrap{
		DataPlane: DataPlaneConfig{
			WorkerCPUs:   []int{0, 1},
			AgerCPU:      2,
			ProberCPU:    3,
			PinThreads:   false,
			BucketCount:  1 << 19,
			ArenaEntries: 1 << 16,
			RXQueueDepth: 4096,
		},
		CtlChan: CtlChanConfig{
			ListenAddr:    ":7020",
			ManagerAddr:   "127.0.0.1:7021",
			ReconnectSecs: 60,
			MaxRetries:    100,
		},
		OpsServer: OpsServerConfig{
			ListenAddr: "127.0.0.1:7080",
			Enabled:    true,
		},
	}
}

// Load reads and parses a YAML bootstrap file, starting from Default()
// so a partial file only overrides what it names.
func Load(path string) (Bootstrap, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
