package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opsmend/opsmend/internal/incident"
)

func newIncident(id string, status incident.Status, created time.Time) *incident.Incident {
	return &incident.Incident{
		ID:        id,
		AlarmName: "Disk-Critical-ASG",
		Category:  incident.CategoryDiskCritical,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// TestMemStore_CreateAndGet verifies round-trip storage and the duplicate
// id guard.
func TestMemStore_CreateAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	inc := newIncident("inc-1", incident.StatusPendingApproval, time.Now())
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "inc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "inc-1" || got.Status != incident.StatusPendingApproval {
		t.Errorf("unexpected incident: %+v", got)
	}

	if err := s.Create(ctx, inc); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists on duplicate create, got %v", err)
	}
}

// TestMemStore_GetNotFound verifies the sentinel for unknown ids.
func TestMemStore_GetNotFound(t *testing.T) {
	s := NewMemStore()

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMemStore_GetReturnsCopy verifies mutations on a returned incident
// never leak into the stored record.
func TestMemStore_GetReturnsCopy(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	inc := newIncident("inc-1", incident.StatusPendingApproval, time.Now())
	inc.Timeline = []incident.TimelineEntry{{Event: "created"}}
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	got.Status = incident.StatusCompleted
	got.Timeline[0].Event = "mutated"

	again, _ := s.Get(ctx, "inc-1")
	if again.Status != incident.StatusPendingApproval {
		t.Error("caller mutation leaked into stored status")
	}
	if again.Timeline[0].Event != "created" {
		t.Error("caller mutation leaked into stored timeline")
	}
}

// TestMemStore_ListFilterAndOrder verifies status filtering and
// newest-first ordering.
func TestMemStore_ListFilterAndOrder(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []incident.Status{
		incident.StatusCompleted,
		incident.StatusPendingApproval,
		incident.StatusCompleted,
	} {
		inc := newIncident(fmt.Sprintf("inc-%d", i), st, base.Add(time.Duration(i)*time.Hour))
		if err := s.Create(ctx, inc); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(all))
	}
	if all[0].ID != "inc-2" || all[2].ID != "inc-0" {
		t.Errorf("expected newest-first order, got %s..%s", all[0].ID, all[2].ID)
	}

	completed, err := s.List(ctx, ListFilter{Status: incident.StatusCompleted})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("expected 2 completed incidents, got %d", len(completed))
	}
}

// TestMemStore_UpdateStatusConditional verifies the expected-status guard:
// a transition only applies when the current status is in the expected set,
// so a stale finalizer cannot revert an operator action.
func TestMemStore_UpdateStatusConditional(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	inc := newIncident("inc-1", incident.StatusExecuting, time.Now())
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := s.UpdateStatus(ctx, "inc-1",
		[]incident.Status{incident.StatusExecuting}, incident.StatusCompleted, "done")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.Status != incident.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.RemediationOutput != "done" {
		t.Errorf("expected output recorded, got %q", got.RemediationOutput)
	}

	// Second finalize against a no-longer-executing incident must fail and
	// must not touch the record.
	err = s.UpdateStatus(ctx, "inc-1",
		[]incident.Status{incident.StatusExecuting}, incident.StatusTimeout, "late")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Current != incident.StatusCompleted {
		t.Errorf("error should carry the current status, got %s", ise.Current)
	}

	got, _ = s.Get(ctx, "inc-1")
	if got.Status != incident.StatusCompleted || got.RemediationOutput != "done" {
		t.Errorf("stale update must not modify the record, got %+v", got)
	}
}

// TestMemStore_UpdateStatusEmptyExpect verifies an empty expected set
// accepts any current status, and an empty output leaves the previous
// output in place.
func TestMemStore_UpdateStatusEmptyExpect(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	inc := newIncident("inc-1", incident.StatusExecuting, time.Now())
	inc.RemediationOutput = "first"
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.UpdateStatus(ctx, "inc-1", nil, incident.StatusFailed, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.Status != incident.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.RemediationOutput != "first" {
		t.Errorf("empty output should preserve previous value, got %q", got.RemediationOutput)
	}
}

// TestMemStore_SetCustomCommand verifies operator overrides are recorded.
func TestMemStore_SetCustomCommand(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, newIncident("inc-1", incident.StatusPendingApproval, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetCustomCommand(ctx, "inc-1", "systemctl restart nginx"); err != nil {
		t.Fatalf("SetCustomCommand: %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.CustomCommand != "systemctl restart nginx" {
		t.Errorf("expected custom command recorded, got %q", got.CustomCommand)
	}

	if err := s.SetCustomCommand(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMemStore_UpdateStatusRejectsIllegalTransition verifies the lifecycle
// graph is enforced even when the caller passes no expected statuses.
func TestMemStore_UpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, newIncident("inc-1", incident.StatusCompleted, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := s.UpdateStatus(ctx, "inc-1", nil, incident.StatusExecuting, "")
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if invalid.Current != incident.StatusCompleted {
		t.Errorf("expected current status completed in error, got %s", invalid.Current)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.Status != incident.StatusCompleted {
		t.Errorf("record must not change on illegal transition, got %s", got.Status)
	}
}

// TestMemStore_AggregateConcurrentWithWrites runs stats aggregation against
// a stream of status updates. Run with -race; aggregation must snapshot
// records rather than read them live.
func TestMemStore_AggregateConcurrentWithWrites(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const n = 100
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("inc-%d", i)
		if err := s.Create(ctx, newIncident(id, incident.StatusExecuting, base)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("inc-%d", i)
			if err := s.SetCustomCommand(ctx, id, "df -h"); err != nil {
				t.Errorf("SetCustomCommand: %v", err)
			}
			if err := s.AppendTimeline(ctx, id, incident.NewTimelineEntry("completed", "ok")); err != nil {
				t.Errorf("AppendTimeline: %v", err)
			}
			if err := s.UpdateStatus(ctx, id, nil, incident.StatusCompleted, "ok"); err != nil {
				t.Errorf("UpdateStatus: %v", err)
			}
		}
	}()

	for {
		select {
		case <-done:
			stats, err := s.Aggregate(ctx)
			if err != nil {
				t.Fatalf("Aggregate: %v", err)
			}
			if stats.Total != n {
				t.Errorf("expected %d incidents, got %d", n, stats.Total)
			}
			if stats.StatusCounts[incident.StatusCompleted] != n {
				t.Errorf("expected %d completed, got %d", n, stats.StatusCounts[incident.StatusCompleted])
			}
			return
		default:
			if _, err := s.Aggregate(ctx); err != nil {
				t.Fatalf("Aggregate: %v", err)
			}
		}
	}
}

// TestMemStore_AppendTimelineConcurrent verifies concurrent appends never
// drop entries.
func TestMemStore_AppendTimelineConcurrent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, newIncident("inc-1", incident.StatusExecuting, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entry := incident.NewTimelineEntry("event", fmt.Sprintf("entry %d", n))
			if err := s.AppendTimeline(ctx, "inc-1", entry); err != nil {
				t.Errorf("AppendTimeline: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, "inc-1")
	if len(got.Timeline) != writers {
		t.Errorf("expected %d timeline entries, got %d", writers, len(got.Timeline))
	}
}
