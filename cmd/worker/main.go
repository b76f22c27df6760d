package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/worker"
)

// harbor-beacon-worker is the worker as its own executable. Point
// BEACON_WORKER_PATH at it to avoid re-executing the calling program.
// With BEACON_WORKER_STDIN=true it reads frames from stdin instead of the
// inherited descriptor, which is handy for replaying a captured stream.
func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), config.FromEnv(), os.Stdin))
}

func run(ctx context.Context, cfg config.Config, stdin io.Reader) int {
	if readStdin() {
		return worker.Serve(ctx, cfg, stdin, nil)
	}
	return worker.ServeProcess(ctx, cfg)
}

func readStdin() bool {
	return strings.EqualFold(os.Getenv("BEACON_WORKER_STDIN"), "true")
}
