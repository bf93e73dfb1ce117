package command

import (
	"context"

	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/domain/execution"
)

// Submitter is the narrow Dispatcher view RunPipeline depends on.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (execution.Execution, error)
}

// RunPipelineRequest is the input to RunPipeline (spec.md §4.8, mirrored by
// `POST /v1/pipelines/{name}/run` and `spine run`).
type RunPipelineRequest struct {
	PipelineName  string
	Params        map[string]any
	Lane          string
	DryRun        bool
	TriggerSource string
}

// RunPipeline submits a pipeline for execution via the Dispatcher. A DryRun
// request never calls Submit: it returns status "validated" without creating
// an Execution row, and without checking that the pipeline exists or that
// its params are valid.
type RunPipeline struct {
	Submitter Submitter
}

// Execute runs the command.
func (c RunPipeline) Execute(ctx context.Context, req RunPipelineRequest) (ExecutionResponse, error) {
	if req.DryRun {
		return ExecutionResponse{PipelineName: req.PipelineName, Status: "validated"}, nil
	}
	lane := execution.LaneNormal
	if req.Lane != "" {
		lane = execution.Lane(req.Lane)
	}
	trigger := req.TriggerSource
	if trigger == "" {
		trigger = "command"
	}
	e, err := c.Submitter.Submit(ctx, dispatcher.SubmitRequest{
		PipelineName:  req.PipelineName,
		Params:        req.Params,
		Lane:          lane,
		TriggerSource: trigger,
	})
	if err != nil {
		return ExecutionResponse{}, err
	}
	return toExecutionResponse(e), nil
}
