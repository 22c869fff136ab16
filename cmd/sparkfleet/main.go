// Command sparkfleet is the workload lifecycle controller for on-demand
// Spark clusters and recurring notebook jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/sparkfleet/internal/cmd"
)

// Injected at link time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
