package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/blobstore"
	"github.com/havenhealth/indexd/internal/config"
	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/extract"
	"github.com/havenhealth/indexd/internal/httpapi"
	"github.com/havenhealth/indexd/internal/indexer"
	"github.com/havenhealth/indexd/internal/jobs"
	"github.com/havenhealth/indexd/internal/journal"
	"github.com/havenhealth/indexd/internal/logging"
	"github.com/havenhealth/indexd/internal/retriever"
	"github.com/havenhealth/indexd/internal/telemetry"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the indexd daemon",
	Long: `Start the indexd daemon: the HTTP API, the job queue worker,
and the retrieval engine.

Examples:
  # Start with defaults
  indexd serve

  # Start with an explicit config file
  indexd serve --config /etc/indexd/config.yaml`,
	RunE: runServe,
}

// core holds the dependencies shared by all commands.
type core struct {
	cfg      *config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	blobs    blobstore.Store
	vectors  vectorstore.Store
	provider embeddings.Provider
	source   journal.Source
	cache    *retriever.EngineCache
	orch     *indexer.Orchestrator
}

// buildCore loads configuration and constructs the indexing and
// retrieval stack. The job queue and HTTP server are wired separately
// because only serve needs them.
func buildCore(configPath string) (*core, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	// Telemetry installs the global otel providers, so it runs before
	// any component creates instruments.
	tel, err := telemetry.New(context.Background(), &cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	blobs, err := blobstore.NewFSStore(cfg.Storage.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	vectors, err := vectorstore.New(cfg.VectorStore, logger)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	provider, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	chunker, err := extract.NewChunker(logger)
	if err != nil {
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	var source journal.Source
	if cfg.Journal.BaseURL != "" {
		httpSource, err := journal.NewHTTPSource(cfg.Journal, logger)
		if err != nil {
			return nil, fmt.Errorf("creating journal source: %w", err)
		}
		source = httpSource
	}

	cache, err := retriever.NewEngineCache(cfg.Retrieval.CacheSize, func(tradition string) (*retriever.Engine, error) {
		return retriever.NewEngine(tradition, provider, vectors, logger)
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine cache: %w", err)
	}

	orch, err := indexer.New(cfg.Indexer, indexer.Deps{
		Blobs:       blobs,
		Chunker:     chunker,
		Provider:    provider,
		Vectors:     vectors,
		Journal:     source,
		Invalidator: cache,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return &core{
		cfg:      cfg,
		logger:   logger,
		tel:      tel,
		blobs:    blobs,
		vectors:  vectors,
		provider: provider,
		source:   source,
		cache:    cache,
		orch:     orch,
	}, nil
}

// close releases core resources. Errors are logged, not returned;
// shutdown continues regardless.
func (c *core) close() {
	if err := c.provider.Close(); err != nil {
		c.logger.Warn("closing embedding provider failed", zap.Error(err))
	}
	if err := c.vectors.Close(); err != nil {
		c.logger.Warn("closing vector store failed", zap.Error(err))
	}
	if err := c.tel.Shutdown(context.Background()); err != nil {
		c.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = logging.Sync(c.logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	c, err := buildCore(configPath)
	if err != nil {
		return err
	}
	defer c.close()

	logger := c.logger

	nc, embedded, err := connectNATS(c.cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if embedded != nil {
		defer func() {
			embedded.Shutdown()
			embedded.WaitForShutdown()
		}()
	}

	worker, err := jobs.NewWorker(nc, c.orch, c.cfg.Jobs.Worker, logger)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer worker.Stop()

	submitter, err := jobs.NewSubmitter(nc, logger)
	if err != nil {
		return fmt.Errorf("creating submitter: %w", err)
	}

	srv, err := httpapi.NewServer(submitter, logger, &c.cfg.Server)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("indexd started",
		zap.String("version", version),
		zap.String("vectorstore", c.cfg.VectorStore.Backend),
		zap.Bool("journal_enabled", c.source != nil),
	)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	return nil
}

// connectNATS either starts an embedded server or connects to an
// external one. The embedded server is intended for single-node
// deployments and development.
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, *natsserver.Server, error) {
	url := cfg.Jobs.URL
	var embedded *natsserver.Server

	if cfg.Jobs.Embedded {
		opts := &natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1, // Random port
			NoLog:  true,
			NoSigs: true,
		}
		server, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		go server.Start()
		if !server.ReadyForConnections(5 * time.Second) {
			return nil, nil, fmt.Errorf("embedded NATS server not ready")
		}
		url = server.ClientURL()
		embedded = server
		logger.Info("embedded NATS server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.Jobs.MaxReconnects),
		nats.ReconnectWait(cfg.Jobs.ReconnectWait),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	return nc, embedded, nil
}
