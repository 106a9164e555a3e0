// Command stackctl provisions and tears down the three-tier application
// stack: network, backend fleet behind a load balancer, database backups,
// monitoring and an optional frontend instance.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tierstack/internal/logging"
)

func main() {
	logging.SetDefaultLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdin, os.Stdout)
	if err := app.rootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
