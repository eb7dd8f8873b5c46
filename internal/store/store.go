// Package store provides durable incident records: creation, lookup,
// conditional status transition, append-only timelines, and aggregate
// statistics. The store is the single source of truth shared between the
// lifecycle engine and the operator gateway.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsmend/opsmend/internal/incident"
)

// Common errors.
var (
	ErrNotFound = errors.New("incident not found")
	ErrExists   = errors.New("incident already exists")
)

// InvalidStateError reports an operation attempted against an incident
// whose current status does not allow it.
type InvalidStateError struct {
	ID      string
	Current incident.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("incident %s: operation not valid in status %q", e.ID, e.Current)
}

// ListFilter narrows List results. Zero value means no filtering.
type ListFilter struct {
	Status incident.Status
}

// Stats is a best-effort aggregate snapshot over all incidents.
type Stats struct {
	Total         int                      `json:"total"`
	StatusCounts  map[incident.Status]int  `json:"status_counts"`
	DailyCounts   map[string]int           `json:"daily_counts"`
	AvgMTTRSecs   float64                  `json:"avg_mttr_seconds"`
	SuccessRate   float64                  `json:"success_rate"`
	TotalResolved int                      `json:"total_resolved"`
}

// Store is the incident record store contract.
//
// UpdateStatus is an atomic read-modify-write: when expect is non-empty the
// incident's current status must be one of the expected values, and the
// transition must follow an edge of the lifecycle graph
// (incident.CanTransition), or the call fails with InvalidStateError. This
// serializes racing finalizers (a stale timed-out dispatch cannot revert a
// later operator action). An empty output leaves remediation_output
// untouched.
//
// AppendTimeline is an atomic list append; concurrent appends never drop or
// reorder prior entries.
type Store interface {
	Create(ctx context.Context, inc *incident.Incident) error
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context, f ListFilter) ([]*incident.Incident, error)
	UpdateStatus(ctx context.Context, id string, expect []incident.Status, to incident.Status, output string) error
	SetCustomCommand(ctx context.Context, id, command string) error
	AppendTimeline(ctx context.Context, id string, entry incident.TimelineEntry) error
	Aggregate(ctx context.Context) (*Stats, error)
}

// statusExpected reports whether cur is in the expected set. An empty set
// accepts any current status.
func statusExpected(cur incident.Status, expect []incident.Status) bool {
	if len(expect) == 0 {
		return true
	}
	for _, s := range expect {
		if cur == s {
			return true
		}
	}
	return false
}
