// Package artifacts stores compiled plugin modules by content digest and
// resolves descriptor module references to bytes.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const refPrefix = "sha256:"

var (
	ErrNotFound       = errors.New("artifact not found")
	ErrInvalidRef     = errors.New("invalid artifact reference")
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// Store is content-addressed storage for plugin modules. References have
// the form "sha256:<hex>".
type Store interface {
	// Put persists data and returns its reference. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref returns the content reference for data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// IsRef reports whether s looks like a content reference rather than a path.
func IsRef(s string) bool { return strings.HasPrefix(s, refPrefix) }

// parseRef validates ref and returns its hex digest.
func parseRef(ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	digest := ref[len(refPrefix):]
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

func blobName(digest string) string { return digest + ".wasm" }

// FileStore keeps blobs in a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared module directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	path := filepath.Join(s.baseDir, blobName(ref[len(refPrefix):]))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to a temp file, then rename so readers never see a partial blob.
	tmp, err := os.CreateTemp(s.baseDir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, blobName(digest))) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, blobName(digest)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, blobName(digest)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
