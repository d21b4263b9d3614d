package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Locks serializes rebuilds per tradition. An in-process map guards
// goroutines in the same worker; a file lock guards workers sharing a
// host. Distributed locking across hosts is out of scope, rebuild
// subjects use a queue group so only one worker receives each job.
type Locks struct {
	dir string

	mu   sync.Mutex
	held map[string]*flock.Flock
}

// NewLocks creates a lock manager writing lock files under dir.
func NewLocks(dir string) (*Locks, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Locks{
		dir:  dir,
		held: make(map[string]*flock.Flock),
	}, nil
}

// Acquire takes the rebuild lock for a tradition without blocking.
// Returns ErrRebuildInProgress when another rebuild holds it. The
// returned release function is safe to call exactly once.
func (l *Locks) Acquire(tradition string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[tradition]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRebuildInProgress, tradition)
	}

	fl := flock.New(filepath.Join(l.dir, tradition+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring file lock for %s: %w", tradition, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRebuildInProgress, tradition)
	}

	l.held[tradition] = fl

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		_ = fl.Unlock()
		delete(l.held, tradition)
	}, nil
}
