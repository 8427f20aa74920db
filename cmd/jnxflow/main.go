// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command jnxflow runs the policy-driven 5-tuple classifier as a
// standalone data process: the flow table, policy store, workers, and
// ager (C1-C5, C7), with no server-health probing.
package main

import (
	"os"

	"github.com/jnxsdk/flowengine/internal/engine/worker"
	"github.com/jnxsdk/flowengine/internal/procmain"
)

func main() {
	if err := procmain.Main(worker.ModeClassify, "jnxflow", os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
