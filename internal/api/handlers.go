package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/gorilla/mux"

	"github.com/tahcohcat/longform-tts/internal/database"
	"github.com/tahcohcat/longform-tts/internal/logger"
	"github.com/tahcohcat/longform-tts/internal/pipeline"
	"github.com/tahcohcat/longform-tts/internal/service"
	"github.com/tahcohcat/longform-tts/internal/storage"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

const (
	defaultDownloadName  = "audio.mp3"
	maxDownloadRedirects = 10
)

// objectOpener is implemented by gateways whose links this server serves.
type objectOpener interface {
	Open(ctx context.Context, key, expires, sig string) (*os.File, database.Object, error)
}

type Options struct {
	// StrictStatus answers failures with 4xx/5xx instead of 200.
	StrictStatus bool
	MaxBodyBytes int64
}

type Handler struct {
	svc    *service.Service
	store  storage.Gateway
	opts   Options
	client *http.Client
	logger *logger.Log
}

func NewHandler(svc *service.Service, store storage.Gateway, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	h := &Handler{
		svc:    svc,
		store:  store,
		opts:   opts,
		logger: logger.New(),
	}
	h.client = &http.Client{Timeout: 5 * time.Minute, CheckRedirect: h.checkRedirect}
	return h
}

// checkRedirect keeps downloads on storage links across redirects.
func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxDownloadRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if !allowedDownload(req.URL, h.store) {
		return fmt.Errorf("redirect to %s not allowed", req.URL.Host)
	}
	return nil
}

func allowedDownload(u *url.URL, store storage.Gateway) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && store.Serves(u)
}

// POST / - synthesize text and return a link to the merged audio
func (h *Handler) Synthesize(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("invalid request body")
		h.writeJSON(w, h.status(http.StatusBadRequest), service.Response{Status: "error", Message: "Invalid request body"})
		return
	}

	resp, err := h.svc.Handle(r.Context(), req)
	if err != nil {
		h.writeJSON(w, h.status(statusFor(err)), resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": h.svc.ProviderName(),
		"storage":  h.svc.StorageName(),
	})
}

// GET /voices
func (h *Handler) Voices(w http.ResponseWriter, r *http.Request) {
	voices, err := h.svc.Voices(r.Context())
	if errors.Is(err, tts.ErrNoVoiceList) {
		h.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to list voices")
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Failed to list voices"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// GET /download?url=&filename= - fetch a stored object and return it as an attachment
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing url parameter"})
		return
	}
	target, err := url.Parse(raw)
	if err != nil || !allowedDownload(target, h.store) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "URL not allowed"})
		return
	}

	filename := path.Base(r.URL.Query().Get("filename"))
	if filename == "" || filename == "." || filename == "/" {
		filename = defaultDownloadName
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Download failed"})
		return
	}
	resp, err := h.client.Do(upstream)
	if err != nil {
		h.logger.WithError(err).Error("download failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Download failed"})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.logger.Error("download failed: upstream answered " + resp.Status)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Download failed"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", resp.Header.Get("Content-Length"))
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.WithError(err).Warn("download interrupted")
	}
}

// GET /objects/{key} - serve a locally stored object behind a signed link
func (h *Handler) Object(w http.ResponseWriter, r *http.Request) {
	opener, ok := h.store.(objectOpener)
	if !ok {
		http.NotFound(w, r)
		return
	}

	key := mux.Vars(r)["key"]
	q := r.URL.Query()
	f, obj, err := opener.Open(r.Context(), key, q.Get("expires"), q.Get("sig"))
	switch {
	case errors.Is(err, storage.ErrBadSignature), errors.Is(err, storage.ErrExpired):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, storage.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.WithError(err).Error("failed to open object")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "private, no-cache")
	http.ServeContent(w, r, path.Base(key), obj.CreatedAt, f)
}

func (h *Handler) status(strict int) int {
	if h.opts.StrictStatus {
		return strict
	}
	return http.StatusOK
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrMerge):
		return http.StatusInternalServerError
	case errors.Is(err, pipeline.ErrSynthesis), errors.Is(err, storage.ErrStorage):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("failed to write response")
	}
}
