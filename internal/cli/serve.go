package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camctl/cam/internal/api"
	"github.com/camctl/cam/internal/config"
	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/dispatch"
	"github.com/camctl/cam/internal/events"
	_ "github.com/camctl/cam/internal/hosting/gitea"
	_ "github.com/camctl/cam/internal/hosting/github"
	_ "github.com/camctl/cam/internal/hosting/gitlab"
	"github.com/camctl/cam/internal/library"
	"github.com/camctl/cam/internal/lifecycle"
	"github.com/camctl/cam/internal/pipeline"
	"github.com/camctl/cam/internal/recovery"
	"github.com/camctl/cam/internal/registry"
	"github.com/camctl/cam/internal/secret"
)

// newServeCmd creates the serve command for the API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the cam API server.

The server provides REST endpoints for task, pipeline, and worker
management, plus SSE and websocket event streams backed by the audit
log. A background recovery loop reclaims work from workers whose
heartbeats have gone stale.

Example:
  cam serve                  # Listen on :8080
  cam serve --addr :3000     # Listen on a custom address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr, _ = cmd.Flags().GetString("addr")
			}
			logger := newLogger(cfg)

			if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			store, err := db.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			bus := events.NewMemoryBus()
			defer bus.Close()
			emitter := events.NewAuditBus(store, bus, logger)
			resolver := secret.NewStoreResolver(store)

			lc := lifecycle.New(store, emitter, logger,
				lifecycle.WithSecretResolver(resolver),
				lifecycle.WithGitProvider(cfg.GitProvider),
				lifecycle.WithStaleTimeout(cfg.WorkerStaleTimeout()),
			)
			d := dispatch.New(store, emitter, logger,
				dispatch.WithSecretResolver(resolver),
				dispatch.WithWindow(cfg.DispatchWindow),
			)
			exp := pipeline.New(store, emitter, logger)
			reg := registry.New(store, emitter, logger)
			rec := recovery.New(store, reg, emitter, logger,
				recovery.WithInterval(cfg.RecoveryInterval()),
				recovery.WithStaleTimeout(cfg.WorkerStaleTimeout()),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !cfg.DisableVibecodingSync && cfg.VibecodingDir != "" {
				if n, err := library.New(store, logger).Sync(ctx, cfg.VibecodingDir); err != nil {
					logger.Warn("template library sync failed", "error", err)
				} else {
					logger.Info("template library synced", "templates", n)
				}
			}

			server := api.New(api.Config{
				Addr:      cfg.Addr,
				AuthToken: cfg.AuthToken,
				Logger:    logger,
			}, store, lc, d, exp, reg, bus)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(ctx)
			})
			g.Go(func() error {
				if err := rec.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().String("addr", ":8080", "address to listen on")

	return cmd
}
