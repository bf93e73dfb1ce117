package command

import "context"

// GetCapabilitiesRequest is empty; capabilities are a fixed property of how
// the binary was built/configured.
type GetCapabilitiesRequest struct{}

// CapabilitiesResponse reports tier feature flags (spec.md §4.8).
type CapabilitiesResponse struct {
	Async     bool `json:"async"`
	History   bool `json:"history"`
	Scheduling bool `json:"scheduling"`
	Auth      bool `json:"auth"`
}

// GetCapabilities reports the tier feature flags this deployment was
// configured with.
type GetCapabilities struct {
	Capabilities CapabilitiesResponse
}

// Execute runs the command.
func (c GetCapabilities) Execute(_ context.Context, _ GetCapabilitiesRequest) (CapabilitiesResponse, error) {
	return c.Capabilities, nil
}
