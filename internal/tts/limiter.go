package tts

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedSynthesizer spaces out upstream calls with a token bucket
// shared by every request in the process.
type RateLimitedSynthesizer struct {
	next    Synthesizer
	limiter *rate.Limiter
}

// NewRateLimitedSynthesizer allows perSecond calls with the given burst.
func NewRateLimitedSynthesizer(next Synthesizer, perSecond float64, burst int) *RateLimitedSynthesizer {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSynthesizer{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimitedSynthesizer) Synthesize(ctx context.Context, text string, params Params) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Synthesize(ctx, text, params)
}

func (r *RateLimitedSynthesizer) Format() Format { return r.next.Format() }

func (r *RateLimitedSynthesizer) Name() string { return r.next.Name() }

func (r *RateLimitedSynthesizer) ListVoices(ctx context.Context) ([]Voice, error) {
	return listVoices(ctx, r.next)
}
