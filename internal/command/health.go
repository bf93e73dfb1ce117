package command

import (
	"context"
	"database/sql"
)

// CheckHealthRequest is empty; health is a point-in-time snapshot.
type CheckHealthRequest struct{}

// HealthResponse reports liveness, readiness, and DB connectivity (spec.md
// §4.8), mirroring the shape of the teacher's ProbeStatus without binding to
// HTTP.
type HealthResponse struct {
	Live          bool   `json:"live"`
	Ready         bool   `json:"ready"`
	DBConnected   bool   `json:"db_connected"`
	Message       string `json:"message,omitempty"`
}

// CheckHealth reports process liveness plus database connectivity.
type CheckHealth struct {
	DB *sql.DB
}

// Execute runs the command. A nil DB is treated as an in-memory deployment
// and reported connected without a round trip.
func (c CheckHealth) Execute(ctx context.Context, _ CheckHealthRequest) (HealthResponse, error) {
	resp := HealthResponse{Live: true, Ready: true, DBConnected: true}
	if c.DB == nil {
		return resp, nil
	}
	if err := c.DB.PingContext(ctx); err != nil {
		resp.Ready = false
		resp.DBConnected = false
		resp.Message = err.Error()
	}
	return resp, nil
}
