// Command echo-worker is a language worker that echoes its inputs back. It is
// launched by the host with --host, --port, --workerId and --requestId.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/polyhost/internal/langworker"
	"github.com/mattjoyce/polyhost/internal/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := langworker.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo-worker: %v\n", err)
		return 2
	}

	// stdout and stderr are relayed into the host log, so keep lines structured.
	log.Setup(os.Getenv("POLYHOST_WORKER_LOG_LEVEL"))
	opts.Handler = langworker.Echo{}
	opts.Logger = log.WithWorker("echo", opts.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := langworker.Run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		opts.Logger.Error("worker exited", "error", err)
		return 1
	}
	return 0
}
