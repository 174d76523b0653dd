// Package archive is a content-addressed store for evidence manifests.
// References have the form "sha256:<hex>".
package archive

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

var ErrNotFound = errors.New("archive object not found")

// Archive stores immutable blobs by content hash.
type Archive interface {
	// Put stores data and returns its reference. Storing the same bytes
	// twice returns the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Ref computes the reference for data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseRef returns the hex digest of ref.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid reference format: %s", ref)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid reference digest: %s", ref)
	}
	return raw, nil
}

// FileArchive keeps blobs under a directory.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileArchive creates baseDir if needed.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	//nolint:gosec // shared evidence directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(_ context.Context, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref := Ref(data)
	path := filepath.Join(a.baseDir, strings.TrimPrefix(ref, "sha256:")+".json")
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to temp, then rename.
	tmp := path + ".tmp"
	//nolint:gosec // evidence manifests are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (a *FileArchive) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(a.baseDir, digest+".json")) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
