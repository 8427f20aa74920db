// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command equilibrium runs the HTTP reverse-proxy load-balancer as a
// standalone data process: the flow table, policy store, workers,
// ager, and a health prober per monitored application (C1-C7).
package main

import (
	"os"

	"github.com/jnxsdk/flowengine/internal/engine/worker"
	"github.com/jnxsdk/flowengine/internal/procmain"
)

func main() {
	if err := procmain.Main(worker.ModeLoadBalance, "equilibrium", os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
