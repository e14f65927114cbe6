// -----------------------------------------------------------------------
// Job Service - Submit, inspect and remove research jobs
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
)

var (
	// ErrInvalidRequest is returned when a submit request fails validation
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFailed is returned when explaining a job that has not failed
	ErrNotFailed = errors.New("job has not failed")
)

// SubmitRequest is the dashboard's request to research a ticker
type SubmitRequest struct {
	Ticker string `json:"ticker" validate:"required,max=32"`
}

// Service connects the research REST client to the job store. Inserting the
// submitted job is what makes the progress manager open its feed.
type Service struct {
	store    interfaces.JobStore
	client   interfaces.ResearchClient
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewService creates a new job service
func NewService(store interfaces.JobStore, client interfaces.ResearchClient, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		client:   client,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit normalises the ticker, asks the research service to start a job and
// inserts it as pending
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ticker, err := common.ParseTicker(req.Ticker)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	submitted, err := s.client.SubmitJob(ctx, ticker.String())
	if err != nil {
		return models.Job{}, err
	}

	job := models.NewJob(submitted.JobID, submitted.Ticker)
	if err := s.store.Insert(job); err != nil {
		return models.Job{}, fmt.Errorf("failed to record job %s: %w", submitted.JobID, err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("ticker", job.Subject).
		Msg("Research job submitted")

	return s.store.Get(job.ID)
}

// Get returns a job by ID
func (s *Service) Get(id string) (models.Job, error) {
	return s.store.Get(id)
}

// List returns all jobs in display order
func (s *Service) List() []models.Job {
	return slices.Collect(s.store.List())
}

// Remove deletes a job; its progress feed is closed if still open
func (s *Service) Remove(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", id).Msg("Research job removed")
	return nil
}

// Explain asks the research service to explain a failed job's error
func (s *Service) Explain(ctx context.Context, id string) (string, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrNotFailed, id, job.Status)
	}
	return s.client.ExplainError(ctx, id, job.Error)
}

// Wait blocks until the job is terminal, removed, or ctx is done
func (s *Service) Wait(ctx context.Context, id string, onChange func(models.Job)) (models.Job, error) {
	changes := make(chan models.Job, 16)
	removed := make(chan struct{}, 1)

	unsubscribe := s.store.SubscribeChanges(func(job models.Job, kind interfaces.JobChangeKind) {
		if job.ID != id {
			return
		}
		if kind == interfaces.JobRemoved {
			select {
			case removed <- struct{}{}:
			default:
			}
			return
		}
		select {
		case changes <- job:
		default:
			// Drop intermediate progress; the terminal update is re-read below
		}
	})
	defer unsubscribe()

	job, err := s.store.Get(id)
	if err != nil {
		return models.Job{}, err
	}

	for !job.IsTerminal() {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-removed:
			return job, fmt.Errorf("job %s was removed while waiting", id)
		case <-changes:
		}

		latest, err := s.store.Get(id)
		if err != nil {
			return job, err
		}
		job = latest
		if onChange != nil {
			onChange(job)
		}
	}

	return job, nil
}
