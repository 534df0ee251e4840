package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/persona/internal/api"
	"github.com/daviddao/persona/internal/config"
	"github.com/daviddao/persona/pkg/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var listen string
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agents and the HTTP API",
		Long: `Run every configured agent against the SQLite ledger and serve the HTTP
API. Editing the config file while serving reloads the persona policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, listen, !noWatch)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func (a *app) serve(ctx context.Context, listen string, watch bool) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	logger, err := a.log()
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Listen
	}

	clk := clockwork.NewRealClock()
	ledger, err := a.openLedger(store.WithClock(clk))
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg, ledger, clk, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := &http.Server{
		Addr: listen,
		Handler: api.NewRouter(rt.hub, api.Options{
			Logger:      logger.Named("http"),
			CORSOrigins: cfg.CORSOrigins,
			Events:      ledger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting persona server",
			zap.String("listen", listen),
			zap.String("db", cfg.DBPath),
			zap.Int("agents", len(cfg.Agents)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if path := a.watchPath(); watch && path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger.Named("config"), func(next *config.Config) {
				if err := rt.hub.UpdatePolicy(next.Hub.Policy); err != nil {
					logger.Warn("policy reload rejected", zap.Error(err))
					return
				}
				logger.Info("policy reloaded")
			})
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchPath is the config file to watch, or "" when none exists.
func (a *app) watchPath() string {
	path := a.cfgPath
	if path == "" {
		path = config.DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
