package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsmend/opsmend/internal/incident"
)

// MemStore is an in-process Store backed by a mutex-guarded map. It serves
// single-node deployments without Redis, and tests.
type MemStore struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{incidents: make(map[string]*incident.Incident)}
}

// clone copies an incident so callers never share the stored value.
func clone(inc *incident.Incident) *incident.Incident {
	cp := *inc
	cp.Timeline = make([]incident.TimelineEntry, len(inc.Timeline))
	copy(cp.Timeline, inc.Timeline)
	return &cp
}

// Create stores a new incident. The id must be unique.
func (s *MemStore) Create(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.incidents[inc.ID]; exists {
		return ErrExists
	}
	s.incidents[inc.ID] = clone(inc)
	return nil
}

// Get returns an incident by id.
func (s *MemStore) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, exists := s.incidents[id]
	if !exists {
		return nil, ErrNotFound
	}
	return clone(inc), nil
}

// List returns incidents matching the filter, newest first.
func (s *MemStore) List(_ context.Context, f ListFilter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		res = append(res, clone(inc))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// UpdateStatus atomically transitions an incident's status.
func (s *MemStore) UpdateStatus(_ context.Context, id string, expect []incident.Status, to incident.Status, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, exists := s.incidents[id]
	if !exists {
		return ErrNotFound
	}
	if !statusExpected(inc.Status, expect) {
		return &InvalidStateError{ID: id, Current: inc.Status}
	}
	if !incident.CanTransition(inc.Status, to) {
		return &InvalidStateError{ID: id, Current: inc.Status}
	}

	inc.Status = to
	if output != "" {
		inc.RemediationOutput = output
	}
	inc.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCustomCommand records an operator command override.
func (s *MemStore) SetCustomCommand(_ context.Context, id, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, exists := s.incidents[id]
	if !exists {
		return ErrNotFound
	}
	inc.CustomCommand = command
	inc.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendTimeline atomically appends one entry to the incident's timeline.
func (s *MemStore) AppendTimeline(_ context.Context, id string, entry incident.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, exists := s.incidents[id]
	if !exists {
		return ErrNotFound
	}
	inc.Timeline = append(inc.Timeline, entry)
	return nil
}

// Aggregate computes statistics over all stored incidents. The snapshot is
// deep-copied under the lock; stats never read live records.
func (s *MemStore) Aggregate(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	snapshot := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		snapshot = append(snapshot, clone(inc))
	}
	s.mu.RUnlock()

	return computeStats(snapshot, time.Now()), nil
}
