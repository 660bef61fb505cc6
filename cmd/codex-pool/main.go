package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yansir/codex-pool/internal/config"
	"github.com/yansir/codex-pool/internal/logsink"
	"github.com/yansir/codex-pool/internal/oauth"
	"github.com/yansir/codex-pool/internal/pool"
	"github.com/yansir/codex-pool/internal/proxy"
	"github.com/yansir/codex-pool/internal/tokenstore"
	"github.com/yansir/codex-pool/internal/transport"
	"github.com/yansir/codex-pool/internal/usage"
	"github.com/yansir/codex-pool/internal/watch"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "codex-pool",
		Short:        "Local reverse proxy over a pool of Codex OAuth accounts",
		Version:      version,
		SilenceUsage: true,
	}

	var port int
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	serve.Flags().IntVar(&port, "port", 0, "listen port (overrides CODEX_POOL_PORT)")

	usageCmd := &cobra.Command{
		Use:   "usage <account-id>",
		Short: "Print an account's rate-limit window snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd.Context(), args[0])
		},
	}

	root.AddCommand(serve, usageCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runServe(port int) error {
	cfg := config.Load()
	setupLogging(cfg)
	slog.Info("codex-pool starting", "version", version)

	sink, err := logsink.Open(cfg.DBPath, cfg.MaxLogs, cfg.EnableLogging)
	if err != nil {
		return fmt.Errorf("open log sink: %w", err)
	}
	defer sink.Close()

	store := tokenstore.New(cfg.CodexHome)
	oc := oauth.New(store, cfg.RefreshTimeout)
	p := pool.New(store, oc, &pool.Options{
		RefreshAdvance:  cfg.TokenRefreshAdvance,
		RefreshTimeout:  cfg.RefreshTimeout,
		CooldownBase:    cfg.CooldownBase,
		CooldownCeiling: cfg.CooldownCeiling,
	})
	if err := p.Reload(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	st := p.Status()
	slog.Info("accounts loaded", "count", st.AccountCount)

	d, err := proxy.New(cfg, p, sink, transport.NewClient(cfg.RequestTimeout))
	if err != nil {
		return err
	}
	if err := d.Start(port); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		accountsDir := filepath.Join(cfg.CodexHome, "accounts")
		if err := watch.Run(ctx, accountsDir, p); err != nil && ctx.Err() == nil {
			slog.Warn("accounts watcher stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())
	return d.Stop()
}

func runUsage(ctx context.Context, accountID string) error {
	cfg := config.Load()
	setupLogging(cfg)

	store := tokenstore.New(cfg.CodexHome)
	oc := oauth.New(store, cfg.RefreshTimeout)
	p := pool.New(store, oc, &pool.Options{
		RefreshAdvance: cfg.TokenRefreshAdvance,
		RefreshTimeout: cfg.RefreshTimeout,
	})
	if err := p.Reload(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	reader := usage.New(p, transport.NewClient(cfg.RefreshTimeout), cfg.UpstreamURL)
	snap, err := reader.Get(ctx, accountID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
