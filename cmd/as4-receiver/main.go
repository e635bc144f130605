// Command as4-receiver runs an AS4 receiving message service handler.
//
// Usage:
//
//	as4-receiver -config /etc/as4/config.yaml
//
// The configuration format is described in package config. Received
// messages are archived in the configured store and acknowledged with
// receipts or errors according to the matching PMode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/phax/phase4-sub000/internal/config"
	"github.com/phax/phase4-sub000/internal/server"
)

var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "as4-receiver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing receiver: %w", err)
	}
	defer r.close(context.Background())

	srv, err := server.New(cfg, r.engine, r.store, logger)
	if err != nil {
		return err
	}
	for name, check := range r.checks {
		srv.AddReadinessCheck(name, check)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
