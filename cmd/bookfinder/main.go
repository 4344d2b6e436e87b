// Package main is the entry point for the bookfinder CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lepinkainen/humanlog"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	cfg    *config.Settings
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "bookfinder",
	Short:   "Book discovery backend",
	Version: version,
	Long: `bookfinder searches a local canonical catalog, falls back to external
catalogs when it has nothing, persists what it learns without duplicating books,
and relays change notifications to realtime subscribers through an outbox.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("config-dir")
		loaded, err := config.LoadFromFile(dir)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
		logger = newLogger(os.Stderr, cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config-dir", "", "directory holding bookfinder.yaml (default: working directory)")
}

func newLogger(w io.Writer, s config.LogSettings) *slog.Logger {
	level := parseLevel(s.Level)
	switch s.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(humanlog.NewHandler(w, &humanlog.Options{Level: level}))
	}
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
