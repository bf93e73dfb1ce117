// Package system provides the lifecycle-management scaffolding shared by
// every background component in Spine: the Dispatcher's worker pool, the
// Scheduler's tick loop, and the stale-lease recovery sweep all implement
// Service and are registered on a single Manager.
package system

import (
	"context"

	core "github.com/spine-run/spine/internal/core/service"
)

// Service represents a lifecycle-managed component. Every background
// component must implement this so the Manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises component metadata.
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// NoopService is a convenient Service implementation for components that
// require registration but no background processing.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (NoopService) Start(context.Context) error { return nil }

func (NoopService) Stop(context.Context) error { return nil }
