package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/api"
	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/config"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/ratelimit"
	"github.com/NikitaDmitryuk/mediadash/internal/shutdown"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mediadash",
		Short:         "Media download service with torrent search and live progress",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mediadash %s (built %s)\n", Version, BuildTime)
			},
		},
		newSearchCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	logutils.InitLogger(cfg.LogLevel)
	return cfg, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	logutils.Log.WithFields(map[string]any{
		"version":    Version,
		"build_time": BuildTime,
	}).Info("Starting mediadash")

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another instance already holds %s", cfg.LockPath())
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logutils.Log.WithError(unlockErr).Warn("Failed to release instance lock")
		}
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("application initialization failed: %w", err)
	}

	limiter := ratelimit.New(float64(cfg.APIRateLimit), cfg.APIRateBurst, 0)
	defer limiter.Close()
	srv := api.NewServer(a, cfg.ListenAddr, cfg.APIKey, api.WithRateLimiter(limiter))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutils.Log.WithError(err).Error("API server stopped")
			serveErr <- err
			cancel()
		}
		close(serveErr)
	}()

	sm := shutdown.NewManager(shutdownTimeout)
	sm.Register("http_server", srv.Shutdown)
	sm.Register("app", a.Close)

	logutils.Log.Info("mediadash started successfully")
	shutdownErr := sm.WaitForSignal(runCtx)
	logutils.Log.Info("mediadash shutdown complete")
	return errors.Join(<-serveErr, shutdownErr)
}
