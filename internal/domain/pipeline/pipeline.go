// Package pipeline defines the Pipeline contract (spec.md §4.3): the
// interface external, pluggable producers implement, and the types that
// cross the boundary between a Pipeline and the Pipeline Runtime.
package pipeline

import "context"

// ParamType enumerates the scalar types a pipeline parameter may take.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamDate   ParamType = "date"
)

// ParamDef describes one parameter a Pipeline accepts.
type ParamDef struct {
	Name        string
	Type        ParamType
	Required    bool
	Choices     []string
	Default     any
	Description string
}

// Descriptor is the static shape of a Pipeline, returned by Describe.
type Descriptor struct {
	Description    string
	RequiredParams []ParamDef
	OptionalParams []ParamDef
	IsIngest       bool
}

// IngestResolution carries optional ingest-specific metadata a pipeline may
// report back (e.g. the source window it actually covered).
type IngestResolution struct {
	SourceWindowStart string
	SourceWindowEnd   string
	Notes             string
}

// Result is what a Pipeline.Run call returns to the Runtime/Runner.
type Result struct {
	Metrics          map[string]any
	CaptureIDs       []string
	IngestResolution *IngestResolution
}

// Mode controls write-time idempotency semantics (spec.md §4.3).
type Mode string

const (
	ModeCoexist Mode = "coexist" // default: new capture coexists with prior ones
	ModeReplace Mode = "replace" // delete rows at (business_key, previous capture) first
)

// Context is the handle a running Pipeline uses to reach its execution
// identity, capture-id generation, and bookkeeping sinks. The concrete
// implementation lives in internal/pipeline; this is the narrow view
// exposed across the plugin boundary so external pipelines depend only on
// this package, not on the runtime's internals.
type Context interface {
	ExecutionID() string
	BatchID() string
	NewCaptureID(domain, tier, partition string, content map[string]string) string
	Context() context.Context
}

// Pipeline is the pluggable unit of work the core orchestrates. Concrete
// pipelines (FINRA OTC parsing, price-fetching, ...) are out of scope for
// this repository; only the contract is specified here.
type Pipeline interface {
	Name() string
	Describe() Descriptor
	Run(ctx Context, params map[string]any) (Result, error)
}
