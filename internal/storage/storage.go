// Package storage persists merged audio and issues time-limited links to it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tahcohcat/longform-tts/internal/logger"
)

const discardTimeout = 30 * time.Second

// ErrStorage marks any failure to persist audio or produce a link to it.
var ErrStorage = errors.New("storage error")

// Gateway stores objects and signs retrieval URLs for them.
type Gateway interface {
	// Put stores body under a new, unique key and returns that key.
	Put(ctx context.Context, body io.Reader, size int64, contentType string) (string, error)
	// Sign returns a URL that grants read access to key until ttl elapses.
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Serves reports whether u points at objects held by this gateway.
	Serves(u *url.URL) bool
	Name() string
}

// Reference is what a caller receives for a stored object.
type Reference struct {
	Key string        `json:"key"`
	URL string        `json:"url"`
	TTL time.Duration `json:"ttl"`
}

// Store puts body and signs the new key in one step.
func Store(ctx context.Context, g Gateway, body io.Reader, size int64, contentType string, ttl time.Duration) (Reference, error) {
	key, err := g.Put(ctx, body, size, contentType)
	if err != nil {
		return Reference{}, err
	}
	u, err := g.Sign(ctx, key, ttl)
	if err != nil {
		discard(ctx, g, key)
		return Reference{}, err
	}
	return Reference{Key: key, URL: u, TTL: ttl}, nil
}

// deleter is implemented by gateways that can remove a stored object.
type deleter interface {
	Delete(ctx context.Context, key string) error
}

// discard removes an object nobody holds a link to. It runs even when ctx is
// already cancelled.
func discard(ctx context.Context, g Gateway, key string) {
	log := logger.New().With("key", key).With("storage", g.Name())
	d, ok := g.(deleter)
	if !ok {
		log.Warn("unsigned object left in storage")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if err := d.Delete(ctx, key); err != nil {
		log.WithError(err).Warn("failed to remove unsigned object")
		return
	}
	log.Debug("removed unsigned object")
}

// newKey builds "<prefix><uuid>.<ext>".
func newKey(prefix, contentType string) string {
	return prefix + uuid.NewString() + "." + extension(contentType)
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	default:
		return "bin"
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
