package tts

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tahcohcat/longform-tts/config"
)

type countingSynth struct {
	calls atomic.Int32
}

func (c *countingSynth) Synthesize(_ context.Context, text string, p Params) ([]byte, error) {
	c.calls.Add(1)
	return []byte(p.Voice + ":" + text), nil
}

func (c *countingSynth) Format() Format { return FormatMP3 }
func (c *countingSynth) Name() string   { return "counting" }

func TestCachedSynthesizer(t *testing.T) {
	inner := &countingSynth{}
	c, err := NewCachedSynthesizer(inner, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := Params{}.WithDefaults("v1")

	for i := 0; i < 3; i++ {
		if _, err := c.Synthesize(ctx, "same text", p); err != nil {
			t.Fatal(err)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	// a different voice is a different entry
	out, _ := c.Synthesize(ctx, "same text", Params{}.WithDefaults("v2"))
	if string(out) != "v2:same text" {
		t.Errorf("got %q", out)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}

	if _, err := c.ListVoices(ctx); !errors.Is(err, ErrNoVoiceList) {
		t.Errorf("ListVoices err = %v, want ErrNoVoiceList", err)
	}
}

func TestRateLimitedSynthesizer(t *testing.T) {
	inner := &countingSynth{}
	r := NewRateLimitedSynthesizer(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := r.Synthesize(context.Background(), "x", Params{}); err != nil {
			t.Fatal(err)
		}
	}
	// burst of one, then two waits of 50ms
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three calls took %v, limiter not applied", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Synthesize(ctx, "x", Params{}); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestCatalogCheck(t *testing.T) {
	voices, _ := NewDummyTts(FormatMP3).ListVoices(context.Background())
	c := NewCatalog(voices)

	if err := c.Check("en-US-AriaNeural"); err != nil {
		t.Errorf("known voice rejected: %v", err)
	}

	err := c.Check("en-US-AriaNeurl")
	var unknown *UnknownVoiceError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownVoiceError", err)
	}
	if unknown.Suggestion != "en-US-AriaNeural" {
		t.Errorf("suggestion = %q", unknown.Suggestion)
	}
	if !strings.Contains(err.Error(), "did you mean") {
		t.Errorf("message = %q", err.Error())
	}
}

type flakyLister struct {
	calls int
	fail  bool
}

func (f *flakyLister) ListVoices(context.Context) ([]Voice, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("down")
	}
	return []Voice{{ShortName: "a"}}, nil
}

func TestDirectoryCachesAndKeepsStale(t *testing.T) {
	l := &flakyLister{}
	d := NewDirectory(l, time.Hour)
	ctx := context.Background()

	if _, err := d.Catalog(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Catalog(ctx); err != nil {
		t.Fatal(err)
	}
	if l.calls != 1 {
		t.Errorf("lister called %d times, want 1", l.calls)
	}

	d.loadedAt = time.Now().Add(-2 * time.Hour)
	l.fail = true
	c, err := d.Catalog(ctx)
	if err != nil || !c.Has("a") {
		t.Errorf("stale catalog not served: %v", err)
	}
}

func TestNewProviders(t *testing.T) {
	cfg := config.SynthesisConfig{Provider: "dummy", Format: "mp3", CacheSize: 4, RateLimit: 100, RateBurst: 2}
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*CachedSynthesizer); !ok {
		t.Errorf("got %T, want cache outermost", s)
	}
	if s.Name() != "dummy" {
		t.Errorf("name = %q", s.Name())
	}

	voices, err := s.(VoiceLister).ListVoices(context.Background())
	if err != nil || len(voices) == 0 {
		t.Errorf("voices through wrappers: %v, %v", voices, err)
	}

	if _, err := New(context.Background(), config.SynthesisConfig{Provider: "nope"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestDummyOutput(t *testing.T) {
	mp3, err := NewDummyTts(FormatMP3).Synthesize(context.Background(), strings.Repeat("a", 45), Params{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mp3) != 3*417 {
		t.Errorf("mp3 length = %d, want three frames", len(mp3))
	}

	wav, err := NewDummyTts(FormatWAV).Synthesize(context.Background(), "hi", Params{})
	if err != nil {
		t.Fatal(err)
	}
	if string(wav[:4]) != "RIFF" {
		t.Errorf("wav header = %q", wav[:4])
	}
}
