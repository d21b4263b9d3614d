// Package jobs provides the NATS-backed job queue for indexing work.
// Callers submit jobs; workers in queue groups consume them with
// per-job timeouts, retry policy, and a dead-letter subject.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/indexer"
)

// Job queue errors.
var (
	ErrInvalidJob = errors.New("invalid job")
)

// Type identifies a job type.
type Type string

const (
	TypeRebuildTradition Type = "rebuild_tradition"
	TypeIndexEntry       Type = "index_entry"
	TypeBatchIndex       Type = "batch_index"
	TypeReindexUser      Type = "reindex_user"
)

// Queue classes. Rebuilds run on the maintenance queue so a flood of
// entry-indexing jobs cannot starve them, and vice versa.
//
// QueueMonitoring is reserved for operational jobs (DLQ replay,
// manifest audits). No current job type publishes to it; external
// tooling that does gets a stable subject prefix.
const (
	QueueIndexing    = "indexing"
	QueueMaintenance = "maintenance"
	QueueMonitoring  = "monitoring"
)

// Job is the unit of work published to NATS.
type Job struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Tradition string `json:"tradition"`

	// EntryID and UserID apply to index_entry and reindex_user.
	EntryID string `json:"entry_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`

	// Entries applies to batch_index.
	Entries []indexer.EntryRef `json:"entries,omitempty"`

	// PeriodStart and PeriodEnd bound reindex_user.
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks the job's type-specific required fields.
func (j Job) Validate() error {
	if j.Tradition == "" {
		return fmt.Errorf("%w: tradition required", ErrInvalidJob)
	}
	switch j.Type {
	case TypeRebuildTradition:
		return nil
	case TypeIndexEntry:
		if j.EntryID == "" || j.UserID == "" {
			return fmt.Errorf("%w: entry ID and user ID required for %s", ErrInvalidJob, j.Type)
		}
		return nil
	case TypeBatchIndex:
		if len(j.Entries) == 0 {
			return fmt.Errorf("%w: entries required for %s", ErrInvalidJob, j.Type)
		}
		return nil
	case TypeReindexUser:
		if j.UserID == "" {
			return fmt.Errorf("%w: user ID required for %s", ErrInvalidJob, j.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidJob, j.Type)
	}
}

// Queue returns the queue class for the job type.
func (j Job) Queue() string {
	if j.Type == TypeRebuildTradition {
		return QueueMaintenance
	}
	return QueueIndexing
}

// Subject returns the NATS subject the job is published to.
func (j Job) Subject() string {
	return fmt.Sprintf("jobs.%s.%s", j.Queue(), j.Type)
}

// DLQSubject returns the dead-letter subject for the job type.
func (j Job) DLQSubject() string {
	return fmt.Sprintf("jobs.dlq.%s", j.Type)
}

// StatusSubject returns the subject job status events are published to.
func StatusSubject(jobID string) string {
	return "jobs.status." + jobID
}

// Status values carried by StatusEvent.
const (
	StatusAccepted  = "accepted"
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StatusEvent reports a job lifecycle transition.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	Type      Type      `json:"type"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle is returned to the caller on submission.
type Handle struct {
	JobID   string `json:"job_id"`
	Type    Type   `json:"type"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// Submitter publishes jobs to the queue.
type Submitter struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewSubmitter creates a job submitter.
func NewSubmitter(nc *nats.Conn, logger *zap.Logger) (*Submitter, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{nc: nc, logger: logger}, nil
}

// Submit assigns the job an ID, publishes it, and emits an "accepted"
// status event.
func (s *Submitter) Submit(ctx context.Context, job Job) (*Handle, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	job.ID = uuid.New().String()
	job.SubmittedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}

	if err := s.nc.Publish(job.Subject(), data); err != nil {
		return nil, fmt.Errorf("publishing job to %s: %w", job.Subject(), err)
	}

	publishStatus(s.nc, s.logger, job, StatusAccepted, nil)

	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("subject", job.Subject()),
		zap.String("tradition", job.Tradition),
	)

	return &Handle{
		JobID:   job.ID,
		Type:    job.Type,
		Subject: job.Subject(),
		Status:  StatusAccepted,
	}, nil
}

// publishStatus emits a status event. Failures are logged, never
// propagated; status is advisory.
func publishStatus(nc *nats.Conn, logger *zap.Logger, job Job, status string, jobErr error) {
	event := StatusEvent{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if jobErr != nil {
		event.Error = jobErr.Error()
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("marshaling status event failed", zap.Error(err))
		return
	}
	if err := nc.Publish(StatusSubject(job.ID), data); err != nil {
		logger.Warn("publishing status event failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
