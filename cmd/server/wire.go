package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tahcohcat/longform-tts/config"
	"github.com/tahcohcat/longform-tts/internal/logger"
	"github.com/tahcohcat/longform-tts/internal/notify"
	"github.com/tahcohcat/longform-tts/internal/service"
	"github.com/tahcohcat/longform-tts/internal/storage"
	"github.com/tahcohcat/longform-tts/internal/telemetry"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

// app holds everything built from config for one process.
type app struct {
	cfg       *config.Config
	svc       *service.Service
	store     storage.Gateway
	local     *storage.LocalGateway
	telemetry *telemetry.Telemetry
	notifier  notify.Notifier
	closers   []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, progress service.Broadcaster) (*app, error) {
	a := &app{cfg: cfg}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	synth, err := tts.New(ctx, cfg.Synthesis)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := synth.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	switch cfg.Storage.Backend {
	case "local":
		local, err := storage.NewLocalGateway(cfg.Storage.Local, cfg.Storage.KeyPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store, a.local = local, local
		a.closers = append(a.closers, local.Close)
	default:
		s3, err := storage.NewS3Gateway(ctx, cfg.Storage.S3, cfg.Storage.KeyPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = s3
	}

	a.notifier = notify.Nop{}
	if cfg.Notify.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			logger.New().WithError(err).Warn("completion events disabled")
		} else {
			a.notifier = n
			a.closers = append(a.closers, func() error { n.Close(); return nil })
		}
	}

	options := []service.Option{
		service.WithNotifier(a.notifier),
		service.WithMetrics(tel.Metrics),
	}
	if progress != nil {
		options = append(options, service.WithProgress(progress))
	}
	if cfg.Synthesis.ValidateVoices {
		if lister, ok := synth.(tts.VoiceLister); ok {
			options = append(options, service.WithVoiceDirectory(tts.NewDirectory(lister, 6*time.Hour)))
		}
	}

	a.svc, err = service.New(synth, a.store, service.Options{
		MaxChars:       cfg.Chunker.MaxChars,
		DefaultVoice:   cfg.Synthesis.DefaultVoice,
		Concurrency:    cfg.Synthesis.Concurrency,
		ChunkTimeout:   cfg.Synthesis.ChunkTimeout,
		RequestTimeout: cfg.Synthesis.RequestTimeout,
		URLTTL:         cfg.Storage.URLTTL,
		ScratchDir:     cfg.ScratchDir,
	}, options...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
