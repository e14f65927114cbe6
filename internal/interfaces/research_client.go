package interfaces

import (
	"context"
)

// SubmittedJob is what the research service returns for a newly created job
type SubmittedJob struct {
	JobID  string `json:"job_id"`
	Ticker string `json:"ticker"`
}

// ResearchClient is the REST boundary to the job-execution service
type ResearchClient interface {
	// SubmitJob asks the service to start researching a ticker
	SubmitJob(ctx context.Context, ticker string) (*SubmittedJob, error)

	// ExplainError asks the service for a plain-language explanation of a job failure
	ExplainError(ctx context.Context, jobID, errorText string) (string, error)
}
