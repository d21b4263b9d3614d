package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Manifest is the audit record of the most recent successful rebuild.
//
// It is written once per rebuild and is not authoritative for
// correctness; the vector store is the source of truth.
type Manifest struct {
	Tradition      string    `json:"tradition"`
	LastUpdated    time.Time `json:"last_updated"`
	ProcessedFiles []string  `json:"processed_files"`
}

// ReadManifest loads the manifest for a tradition. Returns (nil, nil)
// when no manifest has been written yet.
func ReadManifest(ctx context.Context, store Store, tradition string) (*Manifest, error) {
	r, err := store.Open(ctx, ManifestKey(tradition))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest stores the manifest for a tradition, overwriting any
// previous record.
func WriteManifest(ctx context.Context, store Store, m *Manifest) error {
	if m == nil || m.Tradition == "" {
		return fmt.Errorf("%w: manifest tradition required", ErrInvalidKey)
	}
	if m.ProcessedFiles == nil {
		m.ProcessedFiles = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := store.Upload(ctx, ManifestKey(m.Tradition), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
