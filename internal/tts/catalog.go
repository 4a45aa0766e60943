package tts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/schollz/closestmatch"
)

// UnknownVoiceError names a voice the provider does not offer, with the
// closest known name when one exists.
type UnknownVoiceError struct {
	Voice      string
	Suggestion string
}

func (e *UnknownVoiceError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown voice %q, did you mean %q?", e.Voice, e.Suggestion)
	}
	return fmt.Sprintf("unknown voice %q", e.Voice)
}

// Catalog is a snapshot of a provider's voices.
type Catalog struct {
	voices  []Voice
	known   map[string]struct{}
	matcher *closestmatch.ClosestMatch
}

func NewCatalog(voices []Voice) *Catalog {
	sorted := make([]Voice, len(voices))
	copy(sorted, voices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShortName < sorted[j].ShortName })

	names := make([]string, 0, len(sorted))
	known := make(map[string]struct{}, len(sorted))
	for _, v := range sorted {
		names = append(names, v.ShortName)
		known[v.ShortName] = struct{}{}
		known[v.Name] = struct{}{}
	}

	return &Catalog{
		voices:  sorted,
		known:   known,
		matcher: closestmatch.New(names, []int{2}),
	}
}

func (c *Catalog) Voices() []Voice { return c.voices }

func (c *Catalog) Has(voice string) bool {
	_, ok := c.known[voice]
	return ok
}

// Check returns an *UnknownVoiceError when voice is not in the catalog.
func (c *Catalog) Check(voice string) error {
	if c.Has(voice) {
		return nil
	}
	err := &UnknownVoiceError{Voice: voice}
	if len(c.voices) > 0 {
		err.Suggestion = c.matcher.Closest(voice)
	}
	return err
}

// Directory loads a provider's catalog on first use and refreshes it after ttl.
type Directory struct {
	lister VoiceLister
	ttl    time.Duration

	mu       sync.Mutex
	catalog  *Catalog
	loadedAt time.Time
}

func NewDirectory(lister VoiceLister, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Directory{lister: lister, ttl: ttl}
}

func (d *Directory) Catalog(ctx context.Context) (*Catalog, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.catalog != nil && time.Since(d.loadedAt) < d.ttl {
		return d.catalog, nil
	}

	voices, err := d.lister.ListVoices(ctx)
	if err != nil {
		if d.catalog != nil {
			// keep serving the stale list
			return d.catalog, nil
		}
		return nil, err
	}
	d.catalog = NewCatalog(voices)
	d.loadedAt = time.Now()
	return d.catalog, nil
}
