// Package jobstore holds the in-memory registry of research jobs.
package jobstore

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
)

var (
	// ErrInvalidJob is returned when a job without an ID is inserted
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateJobID is returned when inserting an ID that already exists
	ErrDuplicateJobID = errors.New("duplicate job id")
	// ErrUnknownJobID is returned when addressing an ID that does not exist
	ErrUnknownJobID = errors.New("unknown job id")
	// ErrJobTerminal is returned when updating a job that already finished
	ErrJobTerminal = errors.New("job is terminal")
)

// Store implements interfaces.JobStore.
//
// Mutations are serialized by writeMu for the whole mutate+notify sequence, so
// subscribers observe changes in commit order. Handlers run without mu held and
// may read the store, but must not mutate it.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	jobs    map[string]*models.Job

	subMu      sync.Mutex
	nextSubID  int
	activeSubs map[int]interfaces.ActiveSetHandler
	changeSubs map[int]interfaces.JobChangeHandler

	logger arbor.ILogger
}

// NewStore creates an empty job store
func NewStore(logger arbor.ILogger) *Store {
	return &Store{
		jobs:       make(map[string]*models.Job),
		activeSubs: make(map[int]interfaces.ActiveSetHandler),
		changeSubs: make(map[int]interfaces.JobChangeHandler),
		logger:     logger,
	}
}

// Insert adds a new job. Pending status and creation time are filled in when zero.
func (s *Store) Insert(job models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidJob)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if !job.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
	}
	stored := job.Clone()
	s.jobs[job.ID] = &stored
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("subject", job.Subject).
		Str("status", string(job.Status)).
		Msg("Job inserted")

	s.notifyChange(stored.Clone(), interfaces.JobInserted)
	if !job.IsTerminal() {
		s.notifyActive()
	}
	return nil
}

// ApplyUpdate merges fields into the job matching id and returns the new record
func (s *Store) ApplyUpdate(id string, update models.JobUpdate) (models.Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownJobID, id)
	}
	if current.IsTerminal() {
		status := current.Status
		s.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, status)
	}
	if update.Status != nil && !update.Status.IsValid() {
		s.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, *update.Status)
	}

	next := update.Apply(*current)
	next.ID = current.ID
	next.Subject = current.Subject
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now()
	*current = next
	becameTerminal := next.IsTerminal()
	snapshot := next.Clone()
	s.mu.Unlock()

	if becameTerminal {
		s.logger.Info().
			Str("job_id", id).
			Str("status", string(snapshot.Status)).
			Msg("Job reached terminal status")
	}

	s.notifyChange(snapshot.Clone(), interfaces.JobUpdated)
	if becameTerminal {
		s.notifyActive()
	}
	return snapshot, nil
}

// Remove deletes a job. A non-terminal job leaving the store changes the active set.
func (s *Store) Remove(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJobID, id)
	}
	delete(s.jobs, id)
	removed := current.Clone()
	s.mu.Unlock()

	s.logger.Debug().Str("job_id", id).Msg("Job removed")

	s.notifyChange(removed, interfaces.JobRemoved)
	if !removed.IsTerminal() {
		s.notifyActive()
	}
	return nil
}

// Get returns a copy of the job matching id
func (s *Store) Get(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownJobID, id)
	}
	return job.Clone(), nil
}

// List returns all jobs as of the call, oldest first. The sequence can be ranged
// over any number of times and always yields the same snapshot.
func (s *Store) List() iter.Seq[models.Job] {
	s.mu.RLock()
	snapshot := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot = append(snapshot, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})

	return func(yield func(models.Job) bool) {
		for _, job := range snapshot {
			if !yield(job.Clone()) {
				return
			}
		}
	}
}

// ActiveIDs returns the sorted IDs of all non-terminal jobs
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if !job.IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of jobs held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// SubscribeActive registers a handler invoked synchronously whenever the set of
// non-terminal IDs changes
func (s *Store) SubscribeActive(handler interfaces.ActiveSetHandler) func() {
	if handler == nil {
		return func() {}
	}

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.activeSubs[id] = handler
	count := len(s.activeSubs)
	s.subMu.Unlock()

	s.logger.Debug().Int("subscriber_count", count).Msg("Active set handler subscribed")

	return func() {
		s.subMu.Lock()
		delete(s.activeSubs, id)
		s.subMu.Unlock()
	}
}

// SubscribeChanges registers a handler invoked synchronously after every change
func (s *Store) SubscribeChanges(handler interfaces.JobChangeHandler) func() {
	if handler == nil {
		return func() {}
	}

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.changeSubs[id] = handler
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.changeSubs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notifyActive() {
	s.subMu.Lock()
	handlers := make([]interfaces.ActiveSetHandler, 0, len(s.activeSubs))
	for _, id := range sortedKeys(s.activeSubs) {
		handlers = append(handlers, s.activeSubs[id])
	}
	s.subMu.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

func (s *Store) notifyChange(job models.Job, kind interfaces.JobChangeKind) {
	s.subMu.Lock()
	handlers := make([]interfaces.JobChangeHandler, 0, len(s.changeSubs))
	for _, id := range sortedKeys(s.changeSubs) {
		handlers = append(handlers, s.changeSubs[id])
	}
	s.subMu.Unlock()

	for _, handler := range handlers {
		handler(job.Clone(), kind)
	}
}

// sortedKeys keeps handler invocation in subscription order
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

var _ interfaces.JobStore = (*Store)(nil)
