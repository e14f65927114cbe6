package interfaces

import (
	"context"

	"github.com/ternarybob/jobfeed/internal/models"
)

// JobSnapshotStorage persists job records across sessions
type JobSnapshotStorage interface {
	SaveJob(ctx context.Context, job models.Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]models.Job, error)
	Close() error
}
