// Package blobstore provides tenant-scoped blob storage for tradition
// source documents and rebuild manifests.
//
// Keys are slash-separated paths under a tradition prefix, e.g.
// "ayurveda/documents/charaka.pdf". The same interface is backed by a
// local directory for development and tests; callers must not depend on
// which backend is in use.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidKey indicates an empty or unsafe blob key.
	ErrInvalidKey = errors.New("invalid blob key")
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	// Key is the full slash-separated path of the blob.
	Key string

	// Size is the blob size in bytes.
	Size int64

	// ModTime is the last modification time.
	ModTime time.Time
}

// Store is the interface for blob storage operations.
//
// Upload overwrites unconditionally (last-write-wins). Download fails
// with ErrNotFound if the blob is absent. List returns all blobs under
// the given prefix; a missing prefix yields an empty list, not an error.
type Store interface {
	// List returns blobs whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Download copies the blob at key to the local file at dest.
	Download(ctx context.Context, key, dest string) error

	// Open returns a reader over the blob at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Upload writes the content of r to key, replacing any existing blob.
	Upload(ctx context.Context, key string, r io.Reader) error

	// Delete removes the blob at key. Absence is not an error.
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects empty keys, absolute paths, and path traversal.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// DocumentsPrefix returns the source-document prefix for a tradition.
func DocumentsPrefix(tradition string) string {
	return tradition + "/documents/"
}

// ManifestKey returns the manifest location for a tradition.
func ManifestKey(tradition string) string {
	return tradition + "/metadata/manifest.json"
}
