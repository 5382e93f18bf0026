package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/znly/cloud-debug-proxy/internal/config"
	"github.com/znly/cloud-debug-proxy/internal/credentials"
	"github.com/znly/cloud-debug-proxy/internal/logging"
	"github.com/znly/cloud-debug-proxy/internal/proxy"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("cloud-debug-proxy starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("key_file", cfg.KeyFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential load failure is fatal: there is no degraded mode in
	// which the token endpoint could answer. Token minting shares the
	// outbound timeout with passthrough calls.
	creds, err := credentials.Load(ctx, cfg.KeyFile, &http.Client{Timeout: cfg.UpstreamTimeout})
	if err != nil {
		return fmt.Errorf("loading service account key: %w", err)
	}
	logger.Info("service account loaded",
		slog.String("email", creds.Email),
		slog.String("project", creds.ProjectID),
	)

	srv, err := proxy.New(proxy.Config{
		Tokens:          creds,
		Scopes:          credentials.Scopes,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("building proxy: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("proxy listening", slog.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down proxy")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
