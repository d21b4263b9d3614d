package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local experiments.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data    []byte
	modTime time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string]memBlob)}
}

// List returns blobs whose key starts with prefix, sorted by key.
func (s *MemStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []ObjectInfo
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(blob.data)), ModTime: blob.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Open returns a reader over the blob at key.
func (s *MemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

// Download copies the blob at key to the local file at dest.
func (s *MemStore) Download(ctx context.Context, key, dest string) error {
	r, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// Upload writes the content of r to key, replacing any existing blob.
func (s *MemStore) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading upload body: %w", err)
	}

	s.mu.Lock()
	s.blobs[key] = memBlob{data: data, modTime: time.Now()}
	s.mu.Unlock()
	return nil
}

// Delete removes the blob at key. Absence is not an error.
func (s *MemStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemStore)(nil)
