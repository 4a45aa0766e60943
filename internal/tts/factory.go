package tts

import (
	"context"
	"fmt"

	"github.com/tahcohcat/longform-tts/config"
)

type Provider string

const (
	ProviderEdge   Provider = "edge"
	ProviderGoogle Provider = "google"
	ProviderDummy  Provider = "dummy"
)

// New builds the configured provider and wraps it with the rate limiter and
// chunk cache when those are enabled.
func New(ctx context.Context, cfg config.SynthesisConfig) (Synthesizer, error) {
	format := Format(cfg.Format)

	var synth Synthesizer
	switch Provider(cfg.Provider) {
	case ProviderEdge:
		synth = NewEdgeSynthesizer(EdgeConfig{
			Endpoint:     cfg.Edge.Endpoint,
			VoicesURL:    cfg.Edge.VoicesURL,
			ClientToken:  cfg.Edge.ClientToken,
			OutputFormat: edgeOutputFormat(cfg.Edge.OutputFormat, format),
			Format:       format,
		})
	case ProviderGoogle:
		g, err := NewGoogleSynthesizer(ctx, GoogleConfig{
			CredentialsFile: cfg.Google.CredentialsFile,
			SampleRateHertz: cfg.Google.SampleRateHertz,
			Format:          format,
		})
		if err != nil {
			return nil, err
		}
		synth = g
	case ProviderDummy:
		synth = NewDummyTts(format)
	default:
		return nil, fmt.Errorf("unsupported tts provider: %s", cfg.Provider)
	}

	if cfg.RateLimit > 0 {
		synth = NewRateLimitedSynthesizer(synth, cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCachedSynthesizer(synth, cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("chunk cache: %w", err)
		}
		synth = cached
	}
	return synth, nil
}

// edgeOutputFormat keeps the configured mp3 stream name unless the pipeline
// wants WAV, which needs the RIFF variant.
func edgeOutputFormat(configured string, format Format) string {
	if format == FormatWAV {
		return "riff-24khz-16bit-mono-pcm"
	}
	return configured
}
