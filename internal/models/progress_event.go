package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProgressEventType discriminates inbound progress-feed messages
type ProgressEventType string

const (
	ProgressEventPong     ProgressEventType = "pong"
	ProgressEventProgress ProgressEventType = "progress"
	ProgressEventComplete ProgressEventType = "complete"
	ProgressEventError    ProgressEventType = "error"
)

// KeepaliveToken is the literal text frame sent to keep a progress feed alive
const KeepaliveToken = "ping"

var (
	// ErrMalformedEvent is returned when a message is not a JSON object envelope
	ErrMalformedEvent = errors.New("malformed progress event")
	// ErrUnknownEventType is returned when the type discriminator is not recognised
	ErrUnknownEventType = errors.New("unknown progress event type")
)

// ProgressEvent is one decoded message from a job's progress feed
type ProgressEvent struct {
	Type        ProgressEventType `json:"type"`
	Progress    *int              `json:"progress,omitempty"`
	CurrentStep *string           `json:"current_step,omitempty"`
	Status      *JobStatus        `json:"status,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Suggestion  *string           `json:"suggestion,omitempty"`
}

// DecodeProgressEvent parses a text frame from the job-execution service.
// Callers drop the frame on error; a bad frame never ends the feed.
func DecodeProgressEvent(data []byte) (ProgressEvent, error) {
	var event ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ProgressEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch event.Type {
	case ProgressEventPong, ProgressEventComplete, ProgressEventError:
	case ProgressEventProgress:
		// Terminal states only arrive as complete or error
		if event.Status != nil && *event.Status != JobStatusPending && *event.Status != JobStatusRunning {
			return ProgressEvent{}, fmt.Errorf("%w: invalid progress status %q", ErrMalformedEvent, *event.Status)
		}
	default:
		return ProgressEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}

	return event, nil
}

// IsKeepalive reports whether the event is a keepalive echo
func (e ProgressEvent) IsKeepalive() bool {
	return e.Type == ProgressEventPong
}

// JobUpdate converts the event into the fields to merge into the job.
// Returns false for events that must not reach the store.
func (e ProgressEvent) JobUpdate() (JobUpdate, bool) {
	switch e.Type {
	case ProgressEventProgress:
		return JobUpdate{
			Status:      e.Status,
			Progress:    e.Progress,
			CurrentStep: e.CurrentStep,
		}, true

	case ProgressEventComplete:
		status := JobStatusCompleted
		progress := 100
		return JobUpdate{
			Status:   &status,
			Progress: &progress,
			Result:   e.Result,
		}, true

	case ProgressEventError:
		status := JobStatusFailed
		message := ""
		if e.Error != nil {
			message = *e.Error
		}
		return JobUpdate{
			Status:     &status,
			Error:      &message,
			Suggestion: e.Suggestion,
		}, true
	}

	return JobUpdate{}, false
}
