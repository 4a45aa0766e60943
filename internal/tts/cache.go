package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNoVoiceList is returned by wrappers whose provider cannot list voices.
var ErrNoVoiceList = errors.New("provider does not list voices")

// CachedSynthesizer remembers the audio of recently synthesized chunks.
// Repeated chunks (refrains, boilerplate headers) skip the upstream call.
type CachedSynthesizer struct {
	next  Synthesizer
	cache *lru.Cache[string, []byte]
}

func NewCachedSynthesizer(next Synthesizer, size int) (*CachedSynthesizer, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedSynthesizer{next: next, cache: cache}, nil
}

func (c *CachedSynthesizer) Synthesize(ctx context.Context, text string, params Params) ([]byte, error) {
	key := c.key(text, params)
	if audio, ok := c.cache.Get(key); ok {
		return audio, nil
	}

	audio, err := c.next.Synthesize(ctx, text, params)
	if err != nil {
		return nil, err
	}
	if len(audio) > 0 {
		c.cache.Add(key, audio)
	}
	return audio, nil
}

func (c *CachedSynthesizer) key(text string, p Params) string {
	h := sha256.New()
	for _, part := range []string{string(c.next.Format()), p.Voice, p.Rate, p.Pitch, p.Volume, text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *CachedSynthesizer) Len() int { return c.cache.Len() }

func (c *CachedSynthesizer) Format() Format { return c.next.Format() }

func (c *CachedSynthesizer) Name() string { return c.next.Name() }

func (c *CachedSynthesizer) ListVoices(ctx context.Context) ([]Voice, error) {
	return listVoices(ctx, c.next)
}

func listVoices(ctx context.Context, s Synthesizer) ([]Voice, error) {
	if l, ok := s.(VoiceLister); ok {
		return l.ListVoices(ctx)
	}
	return nil, ErrNoVoiceList
}
