package interfaces

import (
	"iter"

	"github.com/ternarybob/jobfeed/internal/models"
)

// JobChangeKind describes what happened to a job in the store
type JobChangeKind string

const (
	JobInserted JobChangeKind = "inserted"
	JobUpdated  JobChangeKind = "updated"
	JobRemoved  JobChangeKind = "removed"
)

// ActiveSetHandler is notified when the set of non-terminal job IDs changes
type ActiveSetHandler func()

// JobChangeHandler is notified after every committed change to a job
type JobChangeHandler func(job models.Job, kind JobChangeKind)

// JobStore is the single source of truth for research job state
type JobStore interface {
	// Insert adds a new job; fails with ErrDuplicateJobID if the ID exists
	Insert(job models.Job) error

	// ApplyUpdate merges fields into an existing, non-terminal job
	ApplyUpdate(id string, update models.JobUpdate) (models.Job, error)

	// Remove deletes a job regardless of status
	Remove(id string) error

	// Get returns a copy of the job
	Get(id string) (models.Job, error)

	// List returns a restartable sequence over a snapshot taken at call time
	List() iter.Seq[models.Job]

	// ActiveIDs returns the sorted IDs of all non-terminal jobs
	ActiveIDs() []string

	// SubscribeActive registers a handler for changes to the non-terminal set
	SubscribeActive(handler ActiveSetHandler) (unsubscribe func())

	// SubscribeChanges registers a handler for every job change
	SubscribeChanges(handler JobChangeHandler) (unsubscribe func())
}
