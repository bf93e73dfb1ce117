package command

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	service "github.com/spine-run/spine/internal/core/service"
)

// QueryWeeksRequest asks for the distinct business weeks captured for a
// domain/tier, read from that domain's latest-capture view (spec.md §4.8,
// "read-only queries over domain tables").
type QueryWeeksRequest struct {
	Domain string
	Tier   string
	Limit  int
}

// WeekRow is one row of a QueryWeeks response.
type WeekRow struct {
	WeekEnding string `db:"week_ending" json:"week_ending"`
	CaptureID  string `db:"capture_id" json:"capture_id"`
	CapturedAt string `db:"captured_at" json:"captured_at"`
}

// QueryWeeksResponse is QueryWeeks's result.
type QueryWeeksResponse struct {
	Weeks []WeekRow `json:"weeks"`
}

// QueryWeeks reads the latest-capture view for a domain, filtered by tier,
// over sqlx so ad-hoc domain-table SQL doesn't need a bespoke Go struct
// store. The view name follows the `{domain}_weeks_latest` convention;
// concrete domain pipelines are responsible for creating it.
type QueryWeeks struct {
	DB *sqlx.DB
}

// Execute runs the command.
func (c QueryWeeks) Execute(ctx context.Context, req QueryWeeksRequest) (QueryWeeksResponse, error) {
	limit := service.ClampLimit(req.Limit, service.DefaultListLimit, service.MaxListLimit)
	view := req.Domain + "_weeks_latest"
	query := fmt.Sprintf(`SELECT week_ending, capture_id, captured_at FROM %s WHERE tier = $1 ORDER BY week_ending DESC LIMIT $2`, view)
	var rows []WeekRow
	if err := c.DB.SelectContext(ctx, &rows, query, req.Tier, limit); err != nil {
		return QueryWeeksResponse{}, err
	}
	return QueryWeeksResponse{Weeks: rows}, nil
}

// QuerySymbolsRequest asks for the symbols captured for a domain/tier/week.
type QuerySymbolsRequest struct {
	Domain     string
	Tier       string
	WeekEnding string
	Limit      int
}

// SymbolRow is one row of a QuerySymbols response.
type SymbolRow struct {
	Symbol    string `db:"symbol" json:"symbol"`
	CaptureID string `db:"capture_id" json:"capture_id"`
}

// QuerySymbolsResponse is QuerySymbols's result.
type QuerySymbolsResponse struct {
	Symbols []SymbolRow `json:"symbols"`
}

// QuerySymbols reads the latest-capture view for a domain's symbols within
// one business week.
type QuerySymbols struct {
	DB *sqlx.DB
}

// Execute runs the command.
func (c QuerySymbols) Execute(ctx context.Context, req QuerySymbolsRequest) (QuerySymbolsResponse, error) {
	limit := service.ClampLimit(req.Limit, service.DefaultListLimit, service.MaxListLimit)
	view := req.Domain + "_symbols_latest"
	query := fmt.Sprintf(`SELECT symbol, capture_id FROM %s WHERE tier = $1 AND week_ending = $2 ORDER BY symbol LIMIT $3`, view)
	var rows []SymbolRow
	if err := c.DB.SelectContext(ctx, &rows, query, req.Tier, req.WeekEnding, limit); err != nil {
		return QuerySymbolsResponse{}, err
	}
	return QuerySymbolsResponse{Symbols: rows}, nil
}
