// Command kernelcallctl is a harness around the kernelcall library: it
// builds opaque blobs for testing (encode), inspects them (decode), and
// exercises the runtime against a fake or real CUDA driver (bench, serve).
// The library itself has exactly one exported entry point
// (callcache.BlobCache.TritonKernelCall); this CLI exists to make that
// entry point observable and testable without a host tensor-compiler
// front-end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func main() {
	var configPath string

	app := &cli.Command{
		Name:  "kernelcallctl",
		Usage: "Inspect and exercise the kernel-call runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to a YAML config file",
				Destination: &configPath,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return ctx, fmt.Errorf("failed to load config %s: %w", configPath, err)
			}
			log := newLogger(cfg.LogLevel)
			correlationID := uuid.NewString()
			log.Info("kernelcallctl starting", "correlation_id", correlationID, "backend", cfg.Backend)
			ctx = withConfig(ctx, cfg)
			ctx = withLogger(ctx, log)
			return ctx, nil
		},
		Commands: []*cli.Command{
			encodeCmd(),
			decodeCmd(),
			benchCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

type contextKey int

const (
	configContextKey contextKey = iota
	loggerContextKey
)

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configContextKey).(Config)
	return cfg
}

func withLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, log)
}

func loggerFromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}
