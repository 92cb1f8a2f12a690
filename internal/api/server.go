package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerchat/entitlements/internal/config"
	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/logging"
	"github.com/ledgerchat/entitlements/internal/store/sqlite"
	"github.com/ledgerchat/entitlements/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 30 * time.Second
	planGaugeInterval = 5 * time.Minute
)

// Run starts the entitlements HTTP server and background jobs, and blocks
// until ctx is cancelled or the process receives SIGINT/SIGTERM.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})

	log.Info().Str("version", version).Msg("Starting entitlements service")

	if err := os.MkdirAll(cfg.DatabaseDir(), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	store, err := sqlite.Open(cfg.DatabaseDir())
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer store.Close()

	eng, err := entitlements.New(store, cfg.EngineOptions()...)
	if err != nil {
		return fmt.Errorf("init entitlement engine: %w", err)
	}

	hub := websocket.NewHub(eng)
	handler := NewHandler(&Deps{
		Config:  cfg,
		Engine:  eng,
		Hub:     hub,
		Version: version,
	})

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		eng.NewExpirySweeper(cfg.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		eng.RunPlanGauge(gctx, planGaugeInterval)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Entitlements service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not closed by Shutdown.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Entitlements service stopped")
	return err
}
