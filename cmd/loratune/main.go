package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"loratune/internal/cli"
)

func main() {
	// Ctrl+C / SIGTERM cancel the run between training steps
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Main(ctx)
	stop()
	os.Exit(code)
}
