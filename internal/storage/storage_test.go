package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tahcohcat/longform-tts/config"
)

func newLocal(t *testing.T) *LocalGateway {
	return newLocalAt(t, "http://tts.example.com")
}

func newLocalAt(t *testing.T, publicURL string) *LocalGateway {
	t.Helper()
	dir := t.TempDir()
	g, err := NewLocalGateway(config.LocalConfig{
		Dir:        filepath.Join(dir, "objects"),
		Database:   filepath.Join(dir, "objects.db"),
		PublicURL:  publicURL,
		SigningKey: "test-key",
	}, "generated/")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func parseSigned(t *testing.T, raw string) (key, expires, sig string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimPrefix(u.Path, "/objects/"), u.Query().Get("expires"), u.Query().Get("sig")
}

func TestLocalGatewayRoundTrip(t *testing.T) {
	g := newLocal(t)
	ctx := context.Background()
	payload := []byte("\xff\xfbaudio")

	ref, err := Store(ctx, g, bytes.NewReader(payload), int64(len(payload)), "audio/mpeg", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref.Key, "generated/") || !strings.HasSuffix(ref.Key, ".mp3") {
		t.Errorf("key = %q", ref.Key)
	}

	u, _ := url.Parse(ref.URL)
	if !g.Serves(u) {
		t.Errorf("gateway does not recognise its own link %s", ref.URL)
	}

	key, expires, sig := parseSigned(t, ref.URL)
	f, obj, err := g.Open(ctx, key, expires, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, payload) || obj.ContentType != "audio/mpeg" || obj.Size != int64(len(payload)) {
		t.Errorf("object = %+v, body %q", obj, got)
	}
}

func TestLocalGatewayPublicURLPrefix(t *testing.T) {
	g := newLocalAt(t, "http://tts.example.com/tts")
	ctx := context.Background()

	ref, err := Store(ctx, g, strings.NewReader("x"), 1, "audio/mpeg", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	u := mustParse(t, ref.URL)
	if !strings.HasPrefix(u.Path, "/tts/objects/") {
		t.Fatalf("link path = %s", u.Path)
	}
	key, ok := g.Key(u)
	if !ok || key != ref.Key {
		t.Fatalf("Key(%s) = %q, %v", ref.URL, key, ok)
	}
	f, _, err := g.Open(ctx, key, u.Query().Get("expires"), u.Query().Get("sig"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Close()

	for _, raw := range []string{
		"http://tts.example.com/objects/" + ref.Key,
		"http://tts.example.com/tts/objects/",
		"http://other.example.com/tts/objects/" + ref.Key,
	} {
		if g.Serves(mustParse(t, raw)) {
			t.Errorf("Serves(%s) = true", raw)
		}
	}
}

// signFails accepts uploads but cannot sign them.
type signFails struct {
	deleted []string
}

func (g *signFails) Put(context.Context, io.Reader, int64, string) (string, error) {
	return "generated/orphan.mp3", nil
}

func (g *signFails) Sign(context.Context, string, time.Duration) (string, error) {
	return "", storageErr("presign", errors.New("no credentials"))
}

func (g *signFails) Serves(*url.URL) bool { return false }
func (g *signFails) Name() string         { return "sign-fails" }

func (g *signFails) Delete(_ context.Context, key string) error {
	g.deleted = append(g.deleted, key)
	return nil
}

func TestStoreRemovesUnsignedObject(t *testing.T) {
	g := &signFails{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Store(ctx, g, strings.NewReader("x"), 1, "audio/mpeg", time.Hour)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if len(g.deleted) != 1 || g.deleted[0] != "generated/orphan.mp3" {
		t.Errorf("deleted = %v", g.deleted)
	}
}

func TestLocalGatewayDelete(t *testing.T) {
	g := newLocal(t)
	ctx := context.Background()
	key, err := g.Put(ctx, strings.NewReader("x"), 1, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Sign(ctx, key, time.Minute); err == nil {
		t.Error("deleted object can still be signed")
	}
	if err := g.Delete(ctx, key); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestLocalGatewayRejects(t *testing.T) {
	g := newLocal(t)
	ctx := context.Background()
	key, err := g.Put(ctx, strings.NewReader("x"), 1, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	link, err := g.Sign(ctx, key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, expires, sig := parseSigned(t, link)

	if _, _, err := g.Open(ctx, key, expires, sig+"00"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered sig: %v", err)
	}
	if _, _, err := g.Open(ctx, key, "9999999999", sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered expiry: %v", err)
	}
	if _, _, err := g.Open(ctx, "../"+key, expires, sig); !errors.Is(err, ErrNotFound) {
		t.Errorf("traversal: %v", err)
	}

	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, _, err := g.Open(ctx, key, expires, sig); !errors.Is(err, ErrExpired) {
		t.Errorf("expired link: %v", err)
	}

	if _, err := g.Sign(ctx, "generated/missing.mp3", time.Minute); !errors.Is(err, ErrStorage) {
		t.Errorf("sign missing: %v", err)
	}
	if _, err := g.Put(ctx, strings.NewReader("short"), 10, "audio/mpeg"); !errors.Is(err, ErrStorage) {
		t.Errorf("size mismatch: %v", err)
	}
}

func TestLocalGatewayPrune(t *testing.T) {
	g := newLocal(t)
	ctx := context.Background()

	g.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, err := g.Put(ctx, strings.NewReader("old"), 3, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	g.now = time.Now
	fresh, err := g.Put(ctx, strings.NewReader("new"), 3, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}

	n, err := g.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := g.Sign(ctx, old, time.Minute); err == nil {
		t.Error("pruned object still signable")
	}
	if _, err := g.Sign(ctx, fresh, time.Minute); err != nil {
		t.Errorf("fresh object pruned: %v", err)
	}
}

func TestS3Gateway(t *testing.T) {
	var mu sync.Mutex
	var puts []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		puts = append(puts, r)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g, err := NewS3Gateway(context.Background(), config.S3Config{
		Bucket:          "audio",
		Region:          "auto",
		Endpoint:        srv.URL,
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	}, "generated/")
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("\xff\xfbsome audio")
	ref, err := Store(context.Background(), g, bytes.NewReader(payload), int64(len(payload)), "audio/mpeg", time.Hour)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 1 {
		t.Fatalf("requests = %d, want 1", len(puts))
	}
	if puts[0].Method != http.MethodPut || puts[0].URL.Path != "/audio/"+ref.Key {
		t.Errorf("request = %s %s", puts[0].Method, puts[0].URL.Path)
	}
	if ct := puts[0].Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("content type = %q", ct)
	}

	u, err := url.Parse(ref.URL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/audio/"+ref.Key || u.Query().Get("X-Amz-Signature") == "" || u.Query().Get("X-Amz-Expires") != "3600" {
		t.Errorf("presigned url = %s", ref.URL)
	}
	if !g.Serves(u) {
		t.Errorf("gateway does not recognise %s", u.Host)
	}

	for _, raw := range []string{
		srv.URL + "/other-bucket/" + ref.Key,
		srv.URL + "/audio/../other-bucket/x",
		srv.URL + "/",
	} {
		if g.Serves(mustParse(t, raw)) {
			t.Errorf("Serves(%s) = true", raw)
		}
	}
}

func TestS3GatewayAWSHosts(t *testing.T) {
	g, err := NewS3Gateway(context.Background(), config.S3Config{
		Bucket:          "mine",
		Region:          "us-east-1",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	link, err := g.Sign(context.Background(), "x.mp3", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Serves(mustParse(t, link)) {
		t.Errorf("signed link not recognised: %s", link)
	}

	tests := map[string]bool{
		"https://mine.s3.amazonaws.com/x.mp3":                      true,
		"https://mine.s3.us-east-1.amazonaws.com/x.mp3":            true,
		"https://s3.us-east-1.amazonaws.com/mine/x.mp3":            true,
		"https://s3.amazonaws.com/mine/x.mp3":                      true,
		"https://attacker-bucket.s3.amazonaws.com/anything":        false,
		"http://ec2-1-2-3-4.compute-1.amazonaws.com:8080/internal": false,
		"https://abc.execute-api.us-east-1.amazonaws.com/x":        false,
		"https://s3.us-east-1.amazonaws.com/attacker-bucket/x.mp3": false,
		"https://s3.us-east-1.amazonaws.com/mine-other/x.mp3":      false,
		"https://mine.s3.us-east-1.amazonaws.com:8443/x.mp3":       false,
		"https://amazonaws.com/mine/x.mp3":                         false,
		"https://mine.s3.amazonaws.com.evil.example.com/x.mp3":     false,
	}
	for raw, want := range tests {
		if got := g.Serves(mustParse(t, raw)); got != want {
			t.Errorf("Serves(%s) = %v, want %v", raw, got, want)
		}
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestS3GatewayR2Endpoint(t *testing.T) {
	g, err := NewS3Gateway(context.Background(), config.S3Config{
		Bucket:          "audio",
		Region:          "auto",
		AccountID:       "acct",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	}, "generated/")
	if err != nil {
		t.Fatal(err)
	}

	link, err := g.Sign(context.Background(), "generated/x.mp3", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(link)
	if !strings.HasSuffix(u.Host, "acct.r2.cloudflarestorage.com") {
		t.Errorf("host = %s", u.Host)
	}
	if !g.Serves(u) {
		t.Error("R2 link not recognised")
	}
	for _, raw := range []string{
		"https://evil.example.com/generated/x.mp3",
		"https://other.acct.r2.cloudflarestorage.com/generated/x.mp3",
		"https://acct.r2.cloudflarestorage.com/other/generated/x.mp3",
	} {
		if g.Serves(mustParse(t, raw)) {
			t.Errorf("Serves(%s) = true", raw)
		}
	}

	if _, err := NewS3Gateway(context.Background(), config.S3Config{Region: "auto"}, ""); err == nil {
		t.Error("missing bucket accepted")
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":               "mp3",
		"audio/wav":                "wav",
		"audio/x-wav; codecs=1":    "wav",
		"application/octet-stream": "bin",
	}
	for ct, want := range tests {
		if got := extension(ct); got != want {
			t.Errorf("extension(%q) = %q, want %q", ct, got, want)
		}
	}
}
