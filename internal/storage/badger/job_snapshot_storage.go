package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobSnapshotStorage implements interfaces.JobSnapshotStorage for Badger
type JobSnapshotStorage struct {
	db     *SnapshotDB
	logger arbor.ILogger
}

// NewJobSnapshotStorage creates a new JobSnapshotStorage instance
func NewJobSnapshotStorage(db *SnapshotDB, logger arbor.ILogger) *JobSnapshotStorage {
	return &JobSnapshotStorage{
		db:     db,
		logger: logger,
	}
}

var _ interfaces.JobSnapshotStorage = (*JobSnapshotStorage)(nil)

func (s *JobSnapshotStorage) SaveJob(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobSnapshotStorage) DeleteJob(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.Job{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// LoadJobs returns every stored job ordered by creation time
func (s *JobSnapshotStorage) LoadJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *JobSnapshotStorage) Close() error {
	return s.db.Close()
}
