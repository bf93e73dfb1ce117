// Package idgen centralizes identity generation: ULIDs for Executions
// (monotonic, time-sortable, per spec.md §3.1), UUIDs for append-only event
// and bookkeeping rows, and the capture-id format of spec.md §6.3.
package idgen

import (
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewExecutionID returns a new, time-sortable ULID for an Execution.
func NewExecutionID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewEventID returns a new UUID for an ExecutionEvent/WorkflowEvent row.
func NewEventID() string { return uuid.NewString() }

// NewID is a general-purpose UUID generator for bookkeeping rows (rejects,
// anomalies, quality results, dead letters, workflow runs/steps).
func NewID() string { return uuid.NewString() }

// CaptureID builds a capture identifier of the form
// "{domain}:{tier}:{partition}:{6-hex}" per spec.md §6.3. The hash is
// derived purely from the canonicalized content map — not wall-clock time —
// so retries of the same logical input (same content) reuse the same
// identity and replay never forks it, while genuinely different content
// (e.g. a source restatement) produces a new capture id.
func CaptureID(domain, tier, partition string, content map[string]string) string {
	digest := crc32.ChecksumIEEE([]byte(canonicalize(content)))
	return fmt.Sprintf("%s:%s:%s:%06x", domain, tier, partition, digest&0xFFFFFF)
}

// canonicalize produces a deterministic string representation of content
// keyed by sorted map keys.
func canonicalize(content map[string]string) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += "|" + k + "=" + content[k]
	}
	return out
}
