package service

import (
	"context"
	"time"
)

// ObservationHooks captures optional callbacks invoked around an operation,
// used to wire metrics/tracing without coupling components to a specific
// observability backend.
type ObservationHooks struct {
	OnStart    func(ctx context.Context, meta map[string]string)
	OnComplete func(ctx context.Context, meta map[string]string, err error, duration time.Duration)
}

// NoopObservationHooks is a safe default.
var NoopObservationHooks = ObservationHooks{}

// StartObservation invokes OnStart and returns a completion callback that
// invokes OnComplete with the elapsed duration.
func StartObservation(ctx context.Context, hooks ObservationHooks, meta map[string]string) func(error) {
	if hooks.OnStart != nil {
		hooks.OnStart(ctx, meta)
	}
	start := time.Now()
	return func(err error) {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ctx, meta, err, time.Since(start))
		}
	}
}
