// Command hyoka serves the operator API and runs the deferred evaluator.
//
// Usage:
//
//	hyoka                        serve until SIGINT/SIGTERM
//	hyoka token <operator> [role] print an operator JWT (role: viewer|admin)
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

	"github.com/ashita-ai/hyoka"
	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyoka:", err)
		return 2
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "hyoka token:", err)
			return 2
		}
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	sess, err := hyoka.New(ctx,
		hyoka.WithVersion(version),
		hyoka.WithLogger(logger),
		hyoka.WithoutEnvFile(),
	)
	if err != nil {
		return err
	}
	sess.StartEvaluator(ctx)
	return sess.Serve(ctx, nil)
}

func issueToken(cfg config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hyoka token <operator> [viewer|admin]")
	}
	role := auth.RoleViewer
	if len(args) > 1 {
		role = auth.Role(args[1])
	}
	if cfg.JWTSecret == "" {
		return errors.New("HYOKA_JWT_SECRET is not set")
	}
	mgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return err
	}
	token, exp, err := mgr.IssueToken(args[0], role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "expires", exp.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
