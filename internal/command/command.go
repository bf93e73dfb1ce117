// Package command implements the transport-neutral Command Layer (spec.md
// §4.8): each command is a concrete type exposing an Execute(request) method
// that both the CLI and HTTP adapters call into. Commands instantiate or
// receive their collaborators directly; there is no container.
package command

import (
	"time"

	"github.com/spine-run/spine/internal/domain/execution"
)

// ExecutionResponse is the wire shape returned by RunPipeline and by status
// lookups, independent of transport.
type ExecutionResponse struct {
	ID                string         `json:"id"`
	PipelineName      string         `json:"pipeline_name"`
	Status            string         `json:"status"`
	Lane              string         `json:"lane"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	RetryCount        int            `json:"retry_count"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         string         `json:"created_at"`
	StartedAt         string         `json:"started_at,omitempty"`
	FinishedAt        string         `json:"finished_at,omitempty"`
}

func toExecutionResponse(e execution.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:                e.ID,
		PipelineName:      e.PipelineName,
		Status:            string(e.Status),
		Lane:              string(e.Lane),
		ParentExecutionID: e.ParentExecutionID,
		RetryCount:        e.RetryCount,
		ErrorKind:         e.ErrorKind,
		ErrorMessage:      e.ErrorMessage,
		CreatedAt:         formatTime(e.CreatedAt),
	}
	if e.StartedAt != nil {
		resp.StartedAt = formatTime(*e.StartedAt)
	}
	if e.FinishedAt != nil {
		resp.FinishedAt = formatTime(*e.FinishedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
