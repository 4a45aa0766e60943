package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tahcohcat/longform-tts/config"
	"github.com/tahcohcat/longform-tts/internal/database"
	"github.com/tahcohcat/longform-tts/internal/logger"
)

var (
	ErrBadSignature = errors.New("invalid signature")
	ErrExpired      = errors.New("link expired")
	ErrNotFound     = errors.New("object not found")
)

// LocalGateway keeps objects on disk with their metadata in sqlite, and signs
// links that this service serves itself under /objects/{key}.
type LocalGateway struct {
	dir       string
	prefix    string
	publicURL *url.URL
	macKey    []byte
	db        *database.DB
	now       func() time.Time
	logger    *logger.Log
}

func NewLocalGateway(cfg config.LocalConfig, keyPrefix string) (*LocalGateway, error) {
	public, err := url.Parse(cfg.PublicURL)
	if err != nil || public.Host == "" {
		return nil, fmt.Errorf("storage.local.public_url %q is not an absolute URL", cfg.PublicURL)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	log := logger.New()
	secret := []byte(cfg.SigningKey)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		log.Warn("storage.local.signing_key not set; links will not survive a restart")
	}
	sum := blake2b.Sum256(secret)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, err
	}

	return &LocalGateway{
		dir:       cfg.Dir,
		prefix:    keyPrefix,
		publicURL: public,
		macKey:    sum[:],
		db:        db,
		now:       time.Now,
		logger:    log,
	}, nil
}

func (g *LocalGateway) Name() string { return "local" }

func (g *LocalGateway) Close() error { return g.db.Close() }

func (g *LocalGateway) Put(ctx context.Context, body io.Reader, size int64, contentType string) (string, error) {
	key := newKey(g.prefix, contentType)
	dst := g.filePath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", storageErr("put "+key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", storageErr("put "+key, err)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("wrote %d bytes, expected %d", n, size)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", storageErr("put "+key, err)
	}

	obj := database.Object{Key: key, ContentType: contentType, Size: n, CreatedAt: g.now()}
	if err := g.db.InsertObject(ctx, obj); err != nil {
		os.Remove(dst)
		return "", storageErr("put "+key, err)
	}
	return key, nil
}

func (g *LocalGateway) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := g.db.GetObject(ctx, key); err != nil {
		return "", storageErr("sign "+key, err)
	}
	expires := g.now().Add(ttl).Unix()

	u := g.publicURL.JoinPath("objects", key)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", g.signature(key, expires))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (g *LocalGateway) Serves(u *url.URL) bool {
	_, ok := g.Key(u)
	return ok
}

// Key extracts the object key from a link signed by this gateway.
func (g *LocalGateway) Key(u *url.URL) (string, bool) {
	if u.Host != g.publicURL.Host {
		return "", false
	}
	base := g.publicURL.JoinPath("objects").Path
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	key, ok := strings.CutPrefix(u.Path, base+"/")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// Delete removes an object's file and metadata.
func (g *LocalGateway) Delete(ctx context.Context, key string) error {
	if err := os.Remove(g.filePath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("delete "+key, err)
	}
	if err := g.db.DeleteObject(ctx, key); err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}

// Open checks a signed link and returns the object it grants access to.
func (g *LocalGateway) Open(ctx context.Context, key, expires, sig string) (*os.File, database.Object, error) {
	if key == "" || path.Clean(key) != key || strings.HasPrefix(key, "/") || strings.HasPrefix(key, "..") {
		return nil, database.Object{}, ErrNotFound
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return nil, database.Object{}, ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(g.signature(key, exp))) {
		return nil, database.Object{}, ErrBadSignature
	}
	if g.now().Unix() > exp {
		return nil, database.Object{}, ErrExpired
	}

	obj, err := g.db.GetObject(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, database.Object{}, ErrNotFound
	}
	if err != nil {
		return nil, database.Object{}, storageErr("open "+key, err)
	}
	f, err := os.Open(g.filePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, database.Object{}, ErrNotFound
	}
	if err != nil {
		return nil, database.Object{}, storageErr("open "+key, err)
	}
	return f, obj, nil
}

// Prune deletes objects older than maxAge and returns how many went.
func (g *LocalGateway) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := g.db.ObjectsBefore(ctx, g.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, o := range stale {
		if err := g.Delete(ctx, o.Key); err != nil {
			g.logger.WithError(err).Warn("failed to remove " + o.Key)
			continue
		}
		removed++
	}
	return removed, nil
}

func (g *LocalGateway) filePath(key string) string {
	return filepath.Join(g.dir, filepath.FromSlash(key))
}

func (g *LocalGateway) signature(key string, expires int64) string {
	h, _ := blake2b.New256(g.macKey)
	h.Write([]byte(key))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
