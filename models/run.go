package models

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusMapping   Status = "mapping"
	StatusReducing  Status = "reducing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one invocation of the summarization pipeline.
type Run struct {
	ID          string    `json:"id"`
	InputDigest string    `json:"input_digest"`
	Model       string    `json:"model"`
	Status      Status    `json:"status"`
	BatchCount  int       `json:"batch_count"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Status check methods
func (r *Run) IsCompleted() bool { return r.Status == StatusCompleted }
func (r *Run) IsFailed() bool    { return r.Status == StatusFailed }

// FinalReport is the merged, chronologically ordered feedback.
type FinalReport struct {
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Batches   int       `json:"batches"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResponse represents the API response
type RunResponse struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Model      string `json:"model"`
	BatchCount int    `json:"batch_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewRunResponse creates a response from a run model
func NewRunResponse(r *Run) *RunResponse {
	return &RunResponse{
		ID:         r.ID,
		Status:     r.Status,
		Model:      r.Model,
		BatchCount: r.BatchCount,
		Error:      r.Error,
	}
}
