// -----------------------------------------------------------------------
// Snapshot Persister - Mirrors job store changes into Badger
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/ternarybob/jobfeed/internal/services/jobstore"
)

type pendingWrite struct {
	job     models.Job
	removed bool
}

// SnapshotPersister writes every committed job change to snapshot storage.
// Store notifications only record the latest change per job. A background
// writer flushes them so the progress feeds are never blocked on disk.
type SnapshotPersister struct {
	storage interfaces.JobSnapshotStorage
	logger  arbor.ILogger

	mu      sync.Mutex
	pending map[string]pendingWrite
	order   []string
	closed  bool

	wake        chan struct{}
	done        chan struct{}
	started     bool
	unsubscribe func()
	closeOnce   sync.Once
}

// NewSnapshotPersister creates a persister; call Start to begin mirroring
func NewSnapshotPersister(storage interfaces.JobSnapshotStorage, logger arbor.ILogger) *SnapshotPersister {
	return &SnapshotPersister{
		storage: storage,
		logger:  logger,
		pending: make(map[string]pendingWrite),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Restore loads the previous session's jobs into store. Jobs already present
// are skipped. Must run before the progress manager starts so non-terminal
// jobs are picked up by its initial reconcile.
func Restore(ctx context.Context, storage interfaces.JobSnapshotStorage, store interfaces.JobStore, logger arbor.ILogger) (int, error) {
	jobs, err := storage.LoadJobs(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, job := range jobs {
		if err := store.Insert(job); err != nil {
			if errors.Is(err, jobstore.ErrDuplicateJobID) {
				continue
			}
			return restored, fmt.Errorf("failed to restore job %s: %w", job.ID, err)
		}
		restored++
	}

	logger.Info().
		Int("restored", restored).
		Int("active", len(store.ActiveIDs())).
		Msg("Restored job snapshot")

	return restored, nil
}

// Start subscribes to store changes and runs the background writer
func (p *SnapshotPersister) Start(store interfaces.JobStore) {
	p.started = true
	p.unsubscribe = store.SubscribeChanges(p.record)
	common.SafeGo(p.logger, "snapshot-persister", p.run)
}

// Close stops mirroring and flushes every recorded change
func (p *SnapshotPersister) Close() error {
	p.closeOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.mu.Lock()
		p.closed = true
		close(p.wake)
		p.mu.Unlock()

		if !p.started {
			close(p.done)
		}
	})
	<-p.done
	return nil
}

func (p *SnapshotPersister) record(job models.Job, kind interfaces.JobChangeKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, queued := p.pending[job.ID]; !queued {
		p.order = append(p.order, job.ID)
	}
	p.pending[job.ID] = pendingWrite{job: job, removed: kind == interfaces.JobRemoved}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *SnapshotPersister) run() {
	defer close(p.done)
	for range p.wake {
		p.flush()
	}
	p.flush()
}

func (p *SnapshotPersister) flush() {
	p.mu.Lock()
	pending := p.pending
	order := p.order
	p.pending = make(map[string]pendingWrite, len(pending))
	p.order = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, id := range order {
		write := pending[id]

		var err error
		if write.removed {
			err = p.storage.DeleteJob(ctx, id)
		} else {
			err = p.storage.SaveJob(ctx, write.job)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", id).Bool("removed", write.removed).Msg("Failed to persist job snapshot")
		}
	}
}
