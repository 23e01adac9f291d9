// Command hyoka-remote evaluates feedback definitions that run remotely. It
// consumes pending result ids from the configured stream (Kafka or Postgres
// LISTEN/NOTIFY), sweeps for rows the stream missed and serves the operator
// API with the remote scheduler controls.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka"
	"github.com/ashita-ai/hyoka/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyoka-remote:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	sess, err := hyoka.New(ctx,
		hyoka.WithVersion(version),
		hyoka.WithLogger(logger.With("component", "remote")),
		hyoka.WithoutEnvFile(),
	)
	if err != nil {
		return err
	}
	worker, err := sess.RemoteWorker()
	if err != nil {
		_ = sess.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sess.Serve(gctx, worker) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
