package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tahcohcat/longform-tts/internal/api"
	"github.com/tahcohcat/longform-tts/internal/logger"
	"github.com/tahcohcat/longform-tts/internal/storage"
	"github.com/tahcohcat/longform-tts/internal/websocket"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg := activeCfg
	log := logger.New()

	hub := websocket.NewHub(cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	a, err := buildApp(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.local != nil {
		go pruneLoop(ctx, a.local, cfg.Storage.URLTTL)
	}

	handler := api.NewHandler(a.svc, a.store, api.Options{
		StrictStatus: cfg.Server.StrictStatus,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	router := api.NewRouter(handler, api.Extras{Progress: hub, Metrics: a.telemetry.Handler})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.WithCORS(router, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Synthesis.RequestTimeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("longform-tts listening on :%d (provider %s, storage %s)", cfg.Server.Port, a.svc.ProviderName(), a.store.Name()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pruneLoop removes local objects whose links can no longer be valid.
func pruneLoop(ctx context.Context, local *storage.LocalGateway, ttl time.Duration) {
	log := logger.New()
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := local.Prune(ctx, ttl)
			if err != nil {
				log.WithError(err).Warn("prune failed")
				continue
			}
			if n > 0 {
				log.Info(fmt.Sprintf("pruned %d expired object(s)", n))
			}
		}
	}
}
