// Package blob stores uploaded files in per-bucket directories.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/matheus3301/simplechat/internal/backend"
)

var bucketRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Store writes blobs under Root/<bucket>/<path>.
type Store struct {
	Root string
}

// New creates a blob store rooted at dir.
func New(dir string) *Store {
	return &Store{Root: dir}
}

// Upload writes data, replacing any existing object, and returns a file:// URL.
func (s *Store) Upload(ctx context.Context, bucket, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(bucket, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return "", fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
	}
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil {
		writeErr = os.Rename(tmp.Name(), full)
	}
	if writeErr != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %w", backend.ErrUnavailable, writeErr)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}

// Open reads a stored object.
func (s *Store) Open(bucket, path string) ([]byte, error) {
	full, err := s.resolve(bucket, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, path, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
	}
	return data, nil
}

// resolve maps bucket/path to a file below Root, rejecting escapes.
func (s *Store) resolve(bucket, path string) (string, error) {
	if !bucketRe.MatchString(bucket) {
		return "", fmt.Errorf("bucket %q: %w", bucket, backend.ErrInvalid)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q: %w", path, backend.ErrInvalid)
	}
	return filepath.Join(s.Root, bucket, clean), nil
}
