package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the process entry point: load config, build the app, serve until
// SIGINT/SIGTERM.
func Run() error {
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
