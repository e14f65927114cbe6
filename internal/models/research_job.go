// -----------------------------------------------------------------------
// Research Job - tracked asynchronous research work
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a research job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further updates are expected for the status.
// Terminal jobs must not hold a progress connection.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the known statuses
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is a research job tracked by the job store.
//
// Lifecycle:
//  1. Inserted by the submit flow with Status=pending, Progress=0
//  2. Mutated only by the progress connection manager from inbound events
//  3. Frozen once Status is completed or failed
type Job struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"` // Ticker being researched, immutable
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"` // Percent 0-100
	CurrentStep string          `json:"current_step,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`     // Only when completed
	Error       string          `json:"error,omitempty"`      // Only when failed
	Suggestion  string          `json:"suggestion,omitempty"` // Only when failed
	CreatedAt   time.Time       `json:"created_at"`           // Display ordering only
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a pending job for a subject assigned id by the research service
func NewJob(id, subject string) Job {
	now := time.Now()
	return Job{
		ID:        id,
		Subject:   subject,
		Status:    JobStatusPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the job has finished
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a copy that shares no mutable memory with j
func (j Job) Clone() Job {
	c := j
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return c
}

// JobUpdate holds the fields to merge into an existing job.
// Nil fields are left unchanged.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *int
	CurrentStep *string
	Result      json.RawMessage
	Error       *string
	Suggestion  *string
}

// IsEmpty reports whether the update carries no fields
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.CurrentStep == nil &&
		u.Result == nil && u.Error == nil && u.Suggestion == nil
}

// Apply merges the update into j and returns the result
func (u JobUpdate) Apply(j Job) Job {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	if u.Result != nil {
		j.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.Suggestion != nil {
		j.Suggestion = *u.Suggestion
	}
	return j
}
