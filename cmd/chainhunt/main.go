// Command chainhunt is the operator CLI of the correlation engine.
//
// Usage:
//
//	# Feed recon output (JSON lines) into the campaign database
//	recon-tool | chainhunt submit -
//
//	# Show the best attack chains of a target
//	chainhunt chains x.com --top 5
//
//	# Move the target through the campaign pipeline
//	chainhunt transition x.com triaged --reason "ssrf confirmed"
//
//	# Record time and payout, then report the return
//	chainhunt roi record --target x.com --subject <finding-id> --kind finding --hours 2 --payout 500
//	chainhunt roi report --target x.com --breakdown
//
//	# Export metrics for Prometheus
//	chainhunt serve-metrics --listen :9464
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	appName    = "chainhunt"
	appVersion = "0.3.0"
)

func main() {
	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
