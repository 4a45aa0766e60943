package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Scratch is a per-request working directory. Everything a request writes
// to disk lives under it, so concurrent requests never share a path.
type Scratch struct {
	dir string
}

// NewScratch creates <root>/<requestID>. Callers must defer Release.
func NewScratch(root, requestID string) (*Scratch, error) {
	if requestID == "" || filepath.Base(requestID) != requestID {
		return nil, fmt.Errorf("invalid scratch namespace %q", requestID)
	}
	dir := filepath.Join(root, requestID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

func (s *Scratch) Dir() string { return s.dir }

func (s *Scratch) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Scratch) Create(name string) (*os.File, error) {
	return os.OpenFile(s.Path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
}

// Release removes the directory and everything in it.
func (s *Scratch) Release() error {
	return os.RemoveAll(s.dir)
}
