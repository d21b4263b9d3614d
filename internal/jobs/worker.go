package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/collections"
	"github.com/havenhealth/indexd/internal/indexer"
)

// WorkerConfig configures a job worker.
type WorkerConfig struct {
	// QueueGroup names the NATS queue group. Workers sharing a group
	// split the jobs between them.
	QueueGroup string `koanf:"queue_group"`

	// MaxRetries caps retry attempts for transient failures.
	MaxRetries int `koanf:"max_retries"`

	// RetryInitialInterval is the first backoff delay. Subsequent
	// delays grow exponentially.
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`

	// EntryTimeout bounds single-entry, batch, and reindex jobs.
	EntryTimeout time.Duration `koanf:"entry_timeout"`

	// RebuildTimeout bounds full tradition rebuilds.
	RebuildTimeout time.Duration `koanf:"rebuild_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *WorkerConfig) ApplyDefaults() {
	if c.QueueGroup == "" {
		c.QueueGroup = "indexd-workers"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = time.Minute
	}
	if c.EntryTimeout == 0 {
		c.EntryTimeout = 5 * time.Minute
	}
	if c.RebuildTimeout == 0 {
		c.RebuildTimeout = time.Hour
	}
}

// Worker consumes jobs from the queue and runs them on the
// orchestrator.
type Worker struct {
	nc     *nats.Conn
	orch   *indexer.Orchestrator
	config WorkerConfig
	logger *zap.Logger
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewWorker creates a worker.
func NewWorker(nc *nats.Conn, orch *indexer.Orchestrator, config WorkerConfig, logger *zap.Logger) (*Worker, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Worker{
		nc:     nc,
		orch:   orch,
		config: config,
		logger: logger,
	}, nil
}

// Start subscribes to all job subjects. Each job runs on its own
// goroutine, so a job sleeping out its retry backoff never delays
// later deliveries on the same subscription. Start itself does not
// block.
func (w *Worker) Start(ctx context.Context) error {
	subjects := []string{
		(Job{Type: TypeRebuildTradition}).Subject(),
		(Job{Type: TypeIndexEntry}).Subject(),
		(Job{Type: TypeBatchIndex}).Subject(),
		(Job{Type: TypeReindexUser}).Subject(),
	}

	for _, subject := range subjects {
		sub, err := w.nc.QueueSubscribe(subject, w.config.QueueGroup, func(msg *nats.Msg) {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.handle(ctx, msg)
			}()
		})
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		w.subs = append(w.subs, sub)
	}

	w.logger.Info("worker started",
		zap.String("queue_group", w.config.QueueGroup),
		zap.Strings("subjects", subjects),
	)
	return nil
}

// Stop unsubscribes from all job subjects and waits for in-flight
// jobs. Cancel the Start context first to cut long-running jobs short.
func (w *Worker) Stop() {
	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}
	w.subs = nil
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.logger.Error("dropping undecodable job",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}

	if err := job.Validate(); err != nil {
		w.logger.Error("dropping invalid job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		w.deadLetter(job, err)
		return
	}

	publishStatus(w.nc, w.logger, job, StatusStarted, nil)

	w.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("tradition", job.Tradition),
	)

	err := w.runWithRetry(ctx, job)
	if err != nil {
		w.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Error(err),
		)
		w.deadLetter(job, err)
		publishStatus(w.nc, w.logger, job, StatusFailed, err)
		return
	}

	publishStatus(w.nc, w.logger, job, StatusCompleted, nil)
	w.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
	)
}

// runWithRetry executes the job, retrying transient failures with
// exponential backoff. Permanent failures stop immediately: retrying a
// missing entry or a validation error cannot succeed.
func (w *Worker) runWithRetry(ctx context.Context, job Job) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.config.RetryInitialInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := w.execute(ctx, job)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation,
		backoff.WithContext(
			backoff.WithMaxRetries(policy, uint64(w.config.MaxRetries)), ctx))
}

// isPermanent classifies errors that retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, indexer.ErrEntryNotFound) ||
		errors.Is(err, indexer.ErrRebuildInProgress) ||
		errors.Is(err, collections.ErrInvalidTradition) ||
		errors.Is(err, ErrInvalidJob)
}

func (w *Worker) execute(ctx context.Context, job Job) error {
	timeout := w.config.EntryTimeout
	if job.Type == TypeRebuildTradition {
		timeout = w.config.RebuildTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch job.Type {
	case TypeRebuildTradition:
		_, err := w.orch.RebuildTradition(jobCtx, job.Tradition)
		return err
	case TypeIndexEntry:
		return w.orch.IndexEntry(jobCtx, job.Tradition, job.EntryID, job.UserID)
	case TypeBatchIndex:
		_, err := w.orch.IndexBatch(jobCtx, job.Tradition, job.Entries)
		return err
	case TypeReindexUser:
		_, err := w.orch.ReindexUser(jobCtx, job.Tradition, job.UserID, job.PeriodStart, job.PeriodEnd)
		return err
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidJob, job.Type)
	}
}

// deadLetter publishes an exhausted job to the DLQ subject for
// inspection and manual replay.
func (w *Worker) deadLetter(job Job, jobErr error) {
	payload := struct {
		Job      Job       `json:"job"`
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}{
		Job:      job,
		Error:    jobErr.Error(),
		FailedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("marshaling dead letter failed", zap.Error(err))
		return
	}
	if err := w.nc.Publish(job.DLQSubject(), data); err != nil {
		w.logger.Error("publishing dead letter failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
