package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/cloudauth.
// It returns an error instead of calling os.Exit to keep defers effective.
//
// The binary ships without a PAKE suite: it keeps the session fresh and serves
// the ops endpoints, and device calls report ErrDevicesDisabled. Embedders that
// need device login call New with WithPAKE.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
