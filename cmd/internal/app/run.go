package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run wires config, logging, and the application together and blocks until
// shutdown. It returns an error rather than calling os.Exit so that deferred
// cleanup in the caller still runs.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM cancel the root context; a.Run drains and exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
