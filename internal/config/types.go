package config

import (
	"fmt"
	"time"

	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/httpapi"
	"github.com/havenhealth/indexd/internal/indexer"
	"github.com/havenhealth/indexd/internal/jobs"
	"github.com/havenhealth/indexd/internal/journal"
	"github.com/havenhealth/indexd/internal/logging"
	"github.com/havenhealth/indexd/internal/telemetry"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

// Config is the root configuration for indexd.
type Config struct {
	Server      httpapi.Config            `koanf:"server"`
	Logging     logging.Config            `koanf:"logging"`
	Storage     StorageConfig             `koanf:"storage"`
	VectorStore vectorstore.Config        `koanf:"vectorstore"`
	Embeddings  embeddings.ProviderConfig `koanf:"embeddings"`
	Indexer     indexer.Config            `koanf:"indexer"`
	Jobs        JobsConfig                `koanf:"jobs"`
	Journal     journal.HTTPConfig        `koanf:"journal"`
	Retrieval   RetrievalConfig           `koanf:"retrieval"`
	Telemetry   telemetry.Config          `koanf:"telemetry"`
}

// StorageConfig locates the document corpus.
type StorageConfig struct {
	// Root is the directory holding per-tradition document trees.
	Root string `koanf:"root"`
}

// JobsConfig configures the NATS-backed job queue.
type JobsConfig struct {
	// URL is the NATS server URL. Ignored when Embedded is true.
	URL string `koanf:"url"`

	// Embedded runs an in-process NATS server instead of connecting
	// to an external one.
	Embedded bool `koanf:"embedded"`

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// MaxReconnects bounds reconnection attempts. Negative means
	// unlimited.
	MaxReconnects int `koanf:"max_reconnects"`

	Worker jobs.WorkerConfig `koanf:"worker"`
}

// RetrievalConfig configures the retrieval engine cache.
type RetrievalConfig struct {
	// TopK is the default number of context documents returned.
	TopK int `koanf:"top_k"`

	// CacheSize bounds the per-tradition engine cache.
	CacheSize int `koanf:"cache_size"`
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage: root directory is required")
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval: top_k must be positive")
	}
	if c.Retrieval.CacheSize < 1 {
		return fmt.Errorf("retrieval: cache_size must be positive")
	}
	// Journal is optional; validate only when configured.
	if c.Journal.BaseURL != "" {
		if err := c.Journal.Validate(); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
