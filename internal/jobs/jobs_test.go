package jobs_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenhealth/indexd/internal/blobstore"
	"github.com/havenhealth/indexd/internal/embeddings"
	"github.com/havenhealth/indexd/internal/extract"
	"github.com/havenhealth/indexd/internal/indexer"
	"github.com/havenhealth/indexd/internal/jobs"
	"github.com/havenhealth/indexd/internal/journal"
	"github.com/havenhealth/indexd/internal/vectorstore"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// emptySource has no entries, so index_entry jobs fail permanently.
type emptySource struct{}

func (emptySource) EntryByID(ctx context.Context, id, userID string) (*journal.Entry, error) {
	return nil, nil
}

func (emptySource) ListByUserForPeriod(ctx context.Context, userID string, start, end time.Time) ([]journal.Entry, error) {
	return nil, nil
}

type staticSource struct {
	entries map[string]*journal.Entry
}

func (s staticSource) EntryByID(ctx context.Context, id, userID string) (*journal.Entry, error) {
	return s.entries[id], nil
}

func (s staticSource) ListByUserForPeriod(ctx context.Context, userID string, start, end time.Time) ([]journal.Entry, error) {
	return nil, nil
}

func newOrchestrator(t *testing.T, blobs blobstore.Store, source journal.Source) (*indexer.Orchestrator, *vectorstore.ChromemStore) {
	t.Helper()

	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	provider, err := embeddings.NewLocalProvider(32)
	require.NoError(t, err)

	chunker, err := extract.NewChunker(nil)
	require.NoError(t, err)

	orch, err := indexer.New(indexer.Config{DataDir: t.TempDir()}, indexer.Deps{
		Blobs:    blobs,
		Chunker:  chunker,
		Provider: provider,
		Vectors:  vectors,
		Journal:  source,
	})
	require.NoError(t, err)

	return orch, vectors
}

// waitForStatus reads status events until the wanted terminal status
// arrives for the job, or the deadline passes.
func waitForStatus(t *testing.T, sub *nats.Subscription, jobID, want string) jobs.StatusEvent {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := sub.NextMsg(time.Until(deadline))
		require.NoError(t, err)

		var event jobs.StatusEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))

		if event.JobID == jobID && event.Status == want {
			return event
		}
		if event.JobID == jobID && (event.Status == jobs.StatusFailed || event.Status == jobs.StatusCompleted) && event.Status != want {
			t.Fatalf("job %s reached terminal status %q, wanted %q (error: %s)", jobID, event.Status, want, event.Error)
		}
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return jobs.StatusEvent{}
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     jobs.Job
		wantErr bool
	}{
		{name: "rebuild ok", job: jobs.Job{Type: jobs.TypeRebuildTradition, Tradition: "herbal"}},
		{name: "missing tradition", job: jobs.Job{Type: jobs.TypeRebuildTradition}, wantErr: true},
		{name: "entry ok", job: jobs.Job{Type: jobs.TypeIndexEntry, Tradition: "herbal", EntryID: "e1", UserID: "alice"}},
		{name: "entry missing user", job: jobs.Job{Type: jobs.TypeIndexEntry, Tradition: "herbal", EntryID: "e1"}, wantErr: true},
		{name: "batch empty", job: jobs.Job{Type: jobs.TypeBatchIndex, Tradition: "herbal"}, wantErr: true},
		{name: "reindex ok", job: jobs.Job{Type: jobs.TypeReindexUser, Tradition: "herbal", UserID: "alice"}},
		{name: "unknown type", job: jobs.Job{Type: "compact", Tradition: "herbal"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, jobs.ErrInvalidJob)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJob_Subjects(t *testing.T) {
	rebuild := jobs.Job{Type: jobs.TypeRebuildTradition}
	assert.Equal(t, "jobs.maintenance.rebuild_tradition", rebuild.Subject())
	assert.Equal(t, "jobs.dlq.rebuild_tradition", rebuild.DLQSubject())

	entry := jobs.Job{Type: jobs.TypeIndexEntry}
	assert.Equal(t, "jobs.indexing.index_entry", entry.Subject())

	assert.True(t, strings.HasPrefix(jobs.StatusSubject("abc"), "jobs.status."))
}

func TestWorker_RebuildJob(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Upload(context.Background(),
		"herbal/documents/teas.txt", strings.NewReader("Chamomile tea aids sleep.")))

	orch, vectors := newOrchestrator(t, blobs, emptySource{})

	worker, err := jobs.NewWorker(nc, orch, jobs.WorkerConfig{
		RetryInitialInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()

	statusSub, err := nc.SubscribeSync("jobs.status.>")
	require.NoError(t, err)
	defer statusSub.Unsubscribe()

	submitter, err := jobs.NewSubmitter(nc, nil)
	require.NoError(t, err)

	handle, err := submitter.Submit(context.Background(), jobs.Job{
		Type:      jobs.TypeRebuildTradition,
		Tradition: "herbal",
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAccepted, handle.Status)
	assert.NotEmpty(t, handle.JobID)

	waitForStatus(t, statusSub, handle.JobID, jobs.StatusCompleted)

	info, err := vectors.CollectionInfo(context.Background(), "herbal__knowledge")
	require.NoError(t, err)
	assert.Greater(t, info.PointCount, uint64(0))
}

func TestWorker_IndexEntryJob(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	source := staticSource{entries: map[string]*journal.Entry{
		"e1": {
			ID:        "e1",
			UserID:    "alice",
			EntryKind: journal.KindMeal,
			Payload:   journal.MealPayload{Name: "Lentil soup"},
		},
	}}
	orch, vectors := newOrchestrator(t, blobstore.NewMemStore(), source)

	worker, err := jobs.NewWorker(nc, orch, jobs.WorkerConfig{
		RetryInitialInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()

	statusSub, err := nc.SubscribeSync("jobs.status.>")
	require.NoError(t, err)
	defer statusSub.Unsubscribe()

	submitter, err := jobs.NewSubmitter(nc, nil)
	require.NoError(t, err)

	handle, err := submitter.Submit(context.Background(), jobs.Job{
		Type:      jobs.TypeIndexEntry,
		Tradition: "herbal",
		EntryID:   "e1",
		UserID:    "alice",
	})
	require.NoError(t, err)

	waitForStatus(t, statusSub, handle.JobID, jobs.StatusCompleted)

	info, err := vectors.CollectionInfo(context.Background(), "herbal__journal")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.PointCount)
}

func TestWorker_PermanentFailureDeadLetters(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	orch, _ := newOrchestrator(t, blobstore.NewMemStore(), emptySource{})

	worker, err := jobs.NewWorker(nc, orch, jobs.WorkerConfig{
		RetryInitialInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()

	statusSub, err := nc.SubscribeSync("jobs.status.>")
	require.NoError(t, err)
	defer statusSub.Unsubscribe()

	dlqSub, err := nc.SubscribeSync("jobs.dlq.>")
	require.NoError(t, err)
	defer dlqSub.Unsubscribe()

	submitter, err := jobs.NewSubmitter(nc, nil)
	require.NoError(t, err)

	handle, err := submitter.Submit(context.Background(), jobs.Job{
		Type:      jobs.TypeIndexEntry,
		Tradition: "herbal",
		EntryID:   "missing",
		UserID:    "alice",
	})
	require.NoError(t, err)

	event := waitForStatus(t, statusSub, handle.JobID, jobs.StatusFailed)
	assert.Contains(t, event.Error, "not found")

	msg, err := dlqSub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "jobs.dlq.index_entry", msg.Subject)

	var dead struct {
		Job   jobs.Job `json:"job"`
		Error string   `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &dead))
	assert.Equal(t, handle.JobID, dead.Job.ID)
	assert.Contains(t, dead.Error, "not found")
}

// gatedSource blocks lookups of the "slow" entry until the gate is
// closed.
type gatedSource struct {
	staticSource
	gate chan struct{}
}

func (g gatedSource) EntryByID(ctx context.Context, id, userID string) (*journal.Entry, error) {
	if id == "slow" {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.staticSource.EntryByID(ctx, id, userID)
}

func TestWorker_SlowJobDoesNotBlockQueue(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	gate := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(gate) }) }

	source := gatedSource{
		staticSource: staticSource{entries: map[string]*journal.Entry{
			"slow": {ID: "slow", UserID: "alice", EntryKind: journal.KindMeal, Payload: journal.MealPayload{Name: "Stew"}},
			"fast": {ID: "fast", UserID: "alice", EntryKind: journal.KindMeal, Payload: journal.MealPayload{Name: "Toast"}},
		}},
		gate: gate,
	}
	orch, _ := newOrchestrator(t, blobstore.NewMemStore(), source)

	worker, err := jobs.NewWorker(nc, orch, jobs.WorkerConfig{
		RetryInitialInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()
	defer openGate()

	statusSub, err := nc.SubscribeSync("jobs.status.>")
	require.NoError(t, err)
	defer statusSub.Unsubscribe()

	submitter, err := jobs.NewSubmitter(nc, nil)
	require.NoError(t, err)

	slow, err := submitter.Submit(context.Background(), jobs.Job{
		Type: jobs.TypeIndexEntry, Tradition: "herbal", EntryID: "slow", UserID: "alice",
	})
	require.NoError(t, err)
	waitForStatus(t, statusSub, slow.JobID, jobs.StatusStarted)

	// The fast job shares the slow job's subject and subscription. It
	// must complete while the slow job is still blocked.
	fast, err := submitter.Submit(context.Background(), jobs.Job{
		Type: jobs.TypeIndexEntry, Tradition: "herbal", EntryID: "fast", UserID: "alice",
	})
	require.NoError(t, err)
	waitForStatus(t, statusSub, fast.JobID, jobs.StatusCompleted)

	openGate()
	waitForStatus(t, statusSub, slow.JobID, jobs.StatusCompleted)
}

func TestWorker_QueueGroupSplitsWork(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	blobs := blobstore.NewMemStore()
	orch, _ := newOrchestrator(t, blobs, emptySource{})

	// Two workers in the same group must not both run the same job.
	for i := 0; i < 2; i++ {
		worker, err := jobs.NewWorker(nc, orch, jobs.WorkerConfig{
			RetryInitialInterval: 10 * time.Millisecond,
		}, nil)
		require.NoError(t, err)
		require.NoError(t, worker.Start(context.Background()))
		defer worker.Stop()
	}

	statusSub, err := nc.SubscribeSync("jobs.status.>")
	require.NoError(t, err)
	defer statusSub.Unsubscribe()

	submitter, err := jobs.NewSubmitter(nc, nil)
	require.NoError(t, err)

	handle, err := submitter.Submit(context.Background(), jobs.Job{
		Type:      jobs.TypeRebuildTradition,
		Tradition: "herbal",
	})
	require.NoError(t, err)

	waitForStatus(t, statusSub, handle.JobID, jobs.StatusCompleted)
}
