package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a vector storage backend.
type Config struct {
	// Backend is the storage backend: "chromem" (default) or "qdrant".
	Backend string `koanf:"backend"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = "chromem"
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case "chromem", "":
		return nil
	case "qdrant":
		return c.Qdrant.Validate()
	default:
		return fmt.Errorf("%w: unsupported backend %q (supported: chromem, qdrant)", ErrInvalidConfig, c.Backend)
	}
}

// New creates a Store for the configured backend.
//
// The chromem backend is embedded and needs no external service, which
// makes it the default. The qdrant backend requires a reachable Qdrant
// server and fails fast with a health check at construction.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "chromem":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrInvalidConfig, cfg.Backend)
	}
}
