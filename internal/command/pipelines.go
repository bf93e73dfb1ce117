package command

import (
	"context"
	"sort"
	"strings"

	"github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/spineerr"
)

// PipelineRegistry is the narrow view ListPipelines/DescribePipeline depend
// on; internal/pipeline.Registry satisfies it structurally.
type PipelineRegistry interface {
	Resolve(name string) (pipeline.Pipeline, bool)
	Names() []string
}

// ListPipelinesRequest optionally prefix-filters the registered pipelines.
type ListPipelinesRequest struct {
	Prefix string
}

// PipelineSummary is one row of a ListPipelines response.
type PipelineSummary struct {
	Name     string `json:"name"`
	IsIngest bool   `json:"is_ingest"`
}

// ListPipelinesResponse is ListPipelines's result.
type ListPipelinesResponse struct {
	Pipelines []PipelineSummary `json:"pipelines"`
}

// ListPipelines enumerates registered pipelines, optionally prefix-filtered.
type ListPipelines struct {
	Registry PipelineRegistry
}

// Execute runs the command.
func (c ListPipelines) Execute(_ context.Context, req ListPipelinesRequest) (ListPipelinesResponse, error) {
	names := c.Registry.Names()
	sort.Strings(names)
	out := make([]PipelineSummary, 0, len(names))
	for _, name := range names {
		if req.Prefix != "" && !strings.HasPrefix(name, req.Prefix) {
			continue
		}
		p, ok := c.Registry.Resolve(name)
		if !ok {
			continue
		}
		out = append(out, PipelineSummary{Name: name, IsIngest: p.Describe().IsIngest})
	}
	return ListPipelinesResponse{Pipelines: out}, nil
}

// DescribePipelineRequest names the pipeline to describe.
type DescribePipelineRequest struct {
	Name string
}

// PipelineDetail is DescribePipeline's result shape (spec.md §4.8).
type PipelineDetail struct {
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	IsIngest       bool                `json:"is_ingest"`
	RequiredParams []pipeline.ParamDef `json:"required_params"`
	OptionalParams []pipeline.ParamDef `json:"optional_params"`
}

// DescribePipeline returns a PipelineDetail for a single registered
// pipeline.
type DescribePipeline struct {
	Registry PipelineRegistry
}

// Execute runs the command.
func (c DescribePipeline) Execute(_ context.Context, req DescribePipelineRequest) (PipelineDetail, error) {
	p, ok := c.Registry.Resolve(req.Name)
	if !ok {
		return PipelineDetail{}, spineerr.New("command.DescribePipeline", spineerr.Config, spineerr.ErrPipelineUnknown)
	}
	desc := p.Describe()
	return PipelineDetail{
		Name:           p.Name(),
		Description:    desc.Description,
		IsIngest:       desc.IsIngest,
		RequiredParams: desc.RequiredParams,
		OptionalParams: desc.OptionalParams,
	}, nil
}
