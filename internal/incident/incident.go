// Package incident defines the incident entity, its lifecycle states, and
// the alarm classification rules that decide which fault category an
// inbound alarm belongs to.
package incident

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Category classifies the fault type behind an alarm. The category decides
// which diagnostics run and which fallback remediation applies.
type Category string

const (
	CategoryDiskCritical     Category = "DiskCritical"
	CategoryServiceDown      Category = "ServiceDown"
	CategoryMemoryExhaustion Category = "MemoryExhaustion"
	CategoryUnknown          Category = "Unknown"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusNew             Status = "new"
	StatusDiagnosing      Status = "diagnosing"
	StatusAdvising        Status = "advising"
	StatusPendingApproval Status = "pending_approval"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusTimeout         Status = "timeout"
	StatusRejected        Status = "rejected"
)

// transitions is the allowed edge set of the lifecycle state machine.
// Transitions are one-directional; there is no edge back into diagnosing
// or advising.
var transitions = map[Status][]Status{
	StatusNew:             {StatusDiagnosing},
	StatusDiagnosing:      {StatusAdvising},
	StatusAdvising:        {StatusPendingApproval, StatusExecuting},
	StatusPendingApproval: {StatusExecuting, StatusRejected},
	StatusExecuting:       {StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether moving from one status to another follows
// an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the incident lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusRejected:
		return true
	}
	return false
}

// Resolved reports whether a status counts toward the success-ratio
// denominator (operator or executor reached a decision).
func (s Status) Resolved() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// maxDetailLen caps timeline detail text for display. Appends never drop
// entries, only trim the detail.
const maxDetailLen = 200

// TimelineEntry is one event in an incident's append-only audit trail.
type TimelineEntry struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// NewTimelineEntry builds an entry with the detail trimmed to the display cap.
func NewTimelineEntry(event, detail string) TimelineEntry {
	return TimelineEntry{Event: event, Timestamp: time.Now().UTC(), Detail: Truncate(detail, maxDetailLen)}
}

// Truncate trims s to at most max bytes without splitting a UTF-8 rune.
// Captured command output is arbitrary bytes; a cap that cuts mid-rune would
// corrupt the JSON-encoded record.
func Truncate(s string, max int) string {
	if max < 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Incident is one tracked occurrence of a detected fault on one host,
// from alarm to terminal resolution. Incidents are never deleted, only
// transitioned to a terminal status.
type Incident struct {
	ID                 string          `json:"incident_id"`
	AlarmName          string          `json:"alarm_name"`
	AlarmDescription   string          `json:"alarm_description"`
	Category           Category        `json:"issue_category"`
	TargetHost         string          `json:"target_host"`
	Diagnostics        string          `json:"diagnostics"`
	SuggestedCommand   string          `json:"suggested_command"`
	SuggestedReasoning string          `json:"suggested_reasoning"`
	CustomCommand      string          `json:"custom_command,omitempty"`
	Status             Status          `json:"status"`
	RemediationOutput  string          `json:"remediation_output"`
	Timeline           []TimelineEntry `json:"timeline"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewID derives a deterministic incident id from creation time, alarm name,
// and target host. The time component keeps ids unique across bursts of the
// same alarm.
func NewID(t time.Time, alarmName, host string) string {
	return fmt.Sprintf("%d_%s_%s", t.Unix(), alarmName, host)
}

// StateAlarm is the only inbound alarm state that triggers processing.
const StateAlarm = "ALARM"

// Dimension is one named dimension on an alarm payload.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AlarmEvent is the inbound alarm notification.
type AlarmEvent struct {
	AlarmName        string      `json:"alarmName"`
	AlarmDescription string      `json:"alarmDescription"`
	NewState         string      `json:"newState"`
	Dimensions       []Dimension `json:"dimensions"`
	Region           string      `json:"region,omitempty"`
	AccountID        string      `json:"accountId,omitempty"`
}

// DimensionMap flattens the dimension list for lookup by name.
func (e AlarmEvent) DimensionMap() map[string]string {
	m := make(map[string]string, len(e.Dimensions))
	for _, d := range e.Dimensions {
		m[d.Name] = d.Value
	}
	return m
}

// Rule maps alarm-name substrings to a category. Rules are evaluated in
// order, first match wins, so the table stays auditable.
type Rule struct {
	Substrings []string
	Category   Category
}

// Rules is the ordered classification table.
var Rules = []Rule{
	{Substrings: []string{"Disk"}, Category: CategoryDiskCritical},
	{Substrings: []string{"Nginx", "Service"}, Category: CategoryServiceDown},
	{Substrings: []string{"Memory"}, Category: CategoryMemoryExhaustion},
}

// Classify resolves an alarm name to a category. The second return value is
// false when no rule matches; such alarms are skipped entirely because
// diagnostics are category-specific.
func Classify(alarmName string) (Category, bool) {
	for _, r := range Rules {
		for _, sub := range r.Substrings {
			if strings.Contains(alarmName, sub) {
				return r.Category, true
			}
		}
	}
	return CategoryUnknown, false
}
