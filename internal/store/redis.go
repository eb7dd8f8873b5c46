package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsmend/opsmend/internal/incident"
)

const (
	incidentKeyPrefix = "incident:"
	indexKey          = "incidents"

	// txRetries bounds optimistic-lock retries on conditional updates.
	txRetries = 5
)

func incidentKey(id string) string { return incidentKeyPrefix + id }
func timelineKey(id string) string { return incidentKeyPrefix + id + ":timeline" }

// RedisStore persists incidents in Redis: one hash per incident record and
// one list per timeline, with a set index over all incident ids. Timeline
// appends are RPUSH, which gives the atomic loss-free append the lifecycle
// engine relies on; conditional status transitions run under WATCH.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a store on an existing Redis client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// Create stores a new incident record and its initial timeline.
func (s *RedisStore) Create(ctx context.Context, inc *incident.Incident) error {
	added, err := s.client.SAdd(ctx, indexKey, inc.ID).Result()
	if err != nil {
		return fmt.Errorf("indexing incident: %w", err)
	}
	if added == 0 {
		return ErrExists
	}

	entries := make([]interface{}, 0, len(inc.Timeline))
	for _, e := range inc.Timeline {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding timeline entry: %w", err)
		}
		entries = append(entries, raw)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, incidentKey(inc.ID), recordFields(inc))
		if len(entries) > 0 {
			pipe.RPush(ctx, timelineKey(inc.ID), entries...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing incident %s: %w", inc.ID, err)
	}
	return nil
}

// Get returns one incident with its full timeline.
func (s *RedisStore) Get(ctx context.Context, id string) (*incident.Incident, error) {
	fields, err := s.client.HGetAll(ctx, incidentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading incident %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	inc := recordToIncident(id, fields)

	raw, err := s.client.LRange(ctx, timelineKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading timeline for %s: %w", id, err)
	}
	inc.Timeline = make([]incident.TimelineEntry, 0, len(raw))
	for _, r := range raw {
		var entry incident.TimelineEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			s.logger.Warn("skipping malformed timeline entry",
				zap.String("incident_id", id), zap.Error(err))
			continue
		}
		inc.Timeline = append(inc.Timeline, entry)
	}
	return inc, nil
}

// List returns incidents matching the filter, newest first. Reads are a
// best-effort snapshot; incidents created mid-scan may be missed.
func (s *RedisStore) List(ctx context.Context, f ListFilter) ([]*incident.Incident, error) {
	incidents, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]*incident.Incident, 0, len(incidents))
	for _, inc := range incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		res = append(res, inc)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// UpdateStatus transitions an incident's status under WATCH so concurrent
// finalizers serialize: a stale terminal write loses against an operator
// action that already moved the incident on.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, expect []incident.Status, to incident.Status, output string) error {
	key := incidentKey(id)

	txn := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "status").Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !statusExpected(incident.Status(cur), expect) {
			return &InvalidStateError{ID: id, Current: incident.Status(cur)}
		}
		if !incident.CanTransition(incident.Status(cur), to) {
			return &InvalidStateError{ID: id, Current: incident.Status(cur)}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			vals := map[string]interface{}{
				"status":     string(to),
				"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
			}
			if output != "" {
				vals["remediation_output"] = output
			}
			pipe.HSet(ctx, key, vals)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("updating incident %s: optimistic lock retries exhausted", id)
}

// SetCustomCommand records an operator command override.
func (s *RedisStore) SetCustomCommand(ctx context.Context, id, command string) error {
	exists, err := s.client.Exists(ctx, incidentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking incident %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, incidentKey(id), map[string]interface{}{
		"custom_command": command,
		"updated_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

// AppendTimeline pushes one entry onto the incident's timeline list.
func (s *RedisStore) AppendTimeline(ctx context.Context, id string, entry incident.TimelineEntry) error {
	exists, err := s.client.Exists(ctx, incidentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking incident %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding timeline entry: %w", err)
	}
	return s.client.RPush(ctx, timelineKey(id), raw).Err()
}

// Aggregate computes statistics over a best-effort snapshot of all records.
func (s *RedisStore) Aggregate(ctx context.Context) (*Stats, error) {
	incidents, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return computeStats(incidents, time.Now()), nil
}

// scan loads every incident record (without timelines).
func (s *RedisStore) scan(ctx context.Context) ([]*incident.Incident, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing incident index: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, incidentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning incidents: %w", err)
	}

	incidents := make([]*incident.Incident, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		incidents = append(incidents, recordToIncident(ids[i], fields))
	}
	return incidents, nil
}

// recordFields flattens an incident into hash fields.
func recordFields(inc *incident.Incident) map[string]interface{} {
	return map[string]interface{}{
		"alarm_name":          inc.AlarmName,
		"alarm_description":   inc.AlarmDescription,
		"issue_category":      string(inc.Category),
		"target_host":         inc.TargetHost,
		"diagnostics":         inc.Diagnostics,
		"suggested_command":   inc.SuggestedCommand,
		"suggested_reasoning": inc.SuggestedReasoning,
		"custom_command":      inc.CustomCommand,
		"status":              string(inc.Status),
		"remediation_output":  inc.RemediationOutput,
		"created_at":          inc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":          inc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// recordToIncident rebuilds an incident from hash fields.
func recordToIncident(id string, fields map[string]string) *incident.Incident {
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &incident.Incident{
		ID:                 id,
		AlarmName:          fields["alarm_name"],
		AlarmDescription:   fields["alarm_description"],
		Category:           incident.Category(fields["issue_category"]),
		TargetHost:         fields["target_host"],
		Diagnostics:        fields["diagnostics"],
		SuggestedCommand:   fields["suggested_command"],
		SuggestedReasoning: fields["suggested_reasoning"],
		CustomCommand:      fields["custom_command"],
		Status:             incident.Status(fields["status"]),
		RemediationOutput:  fields["remediation_output"],
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
}
