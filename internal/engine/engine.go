// Package engine orchestrates the incident lifecycle: alarm intake, target
// resolution, diagnostics, advisory, the optional operator approval gate,
// remediation dispatch, and finalization through the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsmend/opsmend/internal/advisor"
	"github.com/opsmend/opsmend/internal/executor"
	"github.com/opsmend/opsmend/internal/incident"
	"github.com/opsmend/opsmend/internal/resolve"
	"github.com/opsmend/opsmend/internal/runbook"
	"github.com/opsmend/opsmend/internal/store"
)

// ErrNoTargets is returned when an alarm resolves to zero hosts. It is the
// only hard error on the alarm-handling path; per-target failures are
// recorded or skipped instead.
var ErrNoTargets = errors.New("no targets resolved for alarm")

// diagnosticsTimeoutText is recorded when the diagnostic poll budget runs
// out without a terminal result.
const diagnosticsTimeoutText = "Diagnostic Timeout"

// broadcastOutputCap bounds the output carried on change notifications.
const broadcastOutputCap = 500

// Event is a change notification emitted on every status transition.
type Event struct {
	Type       string          `json:"type"`
	IncidentID string          `json:"incident_id"`
	Status     incident.Status `json:"status"`
	Output     string          `json:"output,omitempty"`
}

// Notifier receives change notifications. Delivery is fire-and-forget; a
// broken subscriber must never affect the engine.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// Notify calls the wrapped function.
func (f NotifierFunc) Notify(e Event) { f(e) }

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(Event) {}

// Config holds engine policy settings.
type Config struct {
	// ApprovalMode gates remediation behind an explicit operator Approve
	// call. When false the engine dispatches the suggestion immediately.
	ApprovalMode bool
}

// Engine is the incident lifecycle engine. All mutable state lives in the
// store; the engine itself only tracks its in-flight background dispatches
// so shutdown can drain them.
type Engine struct {
	config   Config
	store    store.Store
	resolver *resolve.Resolver
	advisor  advisor.Advisor
	exec     executor.Executor
	runbooks *runbook.Library
	notifier Notifier
	logger   *zap.Logger

	clock func() time.Time

	wg sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(cfg Config, st store.Store, resolver *resolve.Resolver, adv advisor.Advisor,
	exec executor.Executor, runbooks *runbook.Library, notifier Notifier, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   cfg,
		store:    st,
		resolver: resolver,
		advisor:  adv,
		exec:     exec,
		runbooks: runbooks,
		notifier: notifier,
		logger:   logger,
		clock:    time.Now,
	}
}

// Wait blocks until all background remediation dispatches have finished.
// Called on shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// TargetResult is the per-host outcome of handling one alarm.
type TargetResult struct {
	Host       string          `json:"host"`
	IncidentID string          `json:"incident_id,omitempty"`
	Status     incident.Status `json:"status,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// AlarmResult is the outcome of one alarm delivery. Handled is false when
// the event's state was not firing and the delivery was a no-op.
type AlarmResult struct {
	Handled bool           `json:"handled"`
	Results []TargetResult `json:"results,omitempty"`
}

// HandleAlarm runs the lifecycle for one alarm delivery. Duplicate
// deliveries intentionally create fresh incidents; deduplication is the
// alerting source's concern, not ours.
//
// Non-firing states are ignored. Zero resolved targets is the only hard
// error. Per target: an unclassifiable alarm or a failed diagnostic
// dispatch skips the target without persisting anything; diagnostics are
// not retried so a genuinely unreachable host stays visible in the logs.
func (e *Engine) HandleAlarm(ctx context.Context, event incident.AlarmEvent) (*AlarmResult, error) {
	if event.NewState != incident.StateAlarm {
		e.logger.Info("ignoring alarm event in non-firing state",
			zap.String("alarm", event.AlarmName), zap.String("state", event.NewState))
		return &AlarmResult{Handled: false}, nil
	}

	targets := e.resolver.Resolve(ctx, event)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTargets, event.AlarmName)
	}

	e.logger.Info("handling alarm",
		zap.String("alarm", event.AlarmName), zap.Strings("targets", targets))

	result := &AlarmResult{Handled: true}
	for _, host := range targets {
		result.Results = append(result.Results, e.handleTarget(ctx, event, host))
	}
	return result, nil
}

// handleTarget runs classify, diagnose, advise, and the mode branch for one
// host.
func (e *Engine) handleTarget(ctx context.Context, event incident.AlarmEvent, host string) TargetResult {
	log := e.logger.With(zap.String("alarm", event.AlarmName), zap.String("host", host))

	cat, ok := incident.Classify(event.AlarmName)
	if !ok {
		log.Info("alarm name matches no classification rule, skipping target")
		return TargetResult{Host: host, Skipped: true, Reason: "unclassified alarm"}
	}

	book, ok := e.runbooks.For(cat)
	if !ok {
		log.Info("no runbook for category, skipping target", zap.String("category", string(cat)))
		return TargetResult{Host: host, Skipped: true, Reason: "no runbook for category"}
	}

	invocationID, err := e.exec.Dispatch(ctx, host, book.Diagnostics)
	if err != nil {
		log.Error("diagnostics dispatch failed, skipping target", zap.Error(err))
		return TargetResult{Host: host, Skipped: true, Reason: "diagnostics dispatch failed"}
	}

	diagnostics := diagnosticsTimeoutText
	if res, err := e.exec.Await(ctx, invocationID, host); err != nil {
		log.Error("diagnostics wait failed", zap.Error(err))
	} else if res != nil {
		diagnostics = res.Output()
	}

	suggestion := e.advisor.Suggest(ctx, diagnostics, cat)
	log.Info("remediation suggested", zap.String("command", suggestion.Command))

	now := e.clock().UTC()
	inc := &incident.Incident{
		ID:                 incident.NewID(now, event.AlarmName, host),
		AlarmName:          event.AlarmName,
		AlarmDescription:   event.AlarmDescription,
		Category:           cat,
		TargetHost:         host,
		Diagnostics:        diagnostics,
		SuggestedCommand:   suggestion.Command,
		SuggestedReasoning: suggestion.Reasoning,
		CreatedAt:          now,
		UpdatedAt:          now,
		Timeline: []incident.TimelineEntry{
			incident.NewTimelineEntry("created", "Incident created from alarm: "+event.AlarmName),
			incident.NewTimelineEntry("diagnostics", "Diagnostics executed successfully"),
			incident.NewTimelineEntry("ai_analysis", "Advisor generated remediation plan"),
		},
	}

	if e.config.ApprovalMode {
		return e.persistPending(ctx, inc, log)
	}
	return e.autoRemediate(ctx, inc, log)
}

// persistPending stores the incident awaiting operator sign-off.
func (e *Engine) persistPending(ctx context.Context, inc *incident.Incident, log *zap.Logger) TargetResult {
	inc.Status = incident.StatusPendingApproval
	if err := e.store.Create(ctx, inc); err != nil {
		log.Error("failed to persist incident", zap.Error(err))
		return TargetResult{Host: inc.TargetHost, Skipped: true, Reason: "store write failed"}
	}

	log.Info("incident awaiting approval", zap.String("incident_id", inc.ID))
	e.notifier.Notify(Event{Type: "incident_update", IncidentID: inc.ID, Status: inc.Status})
	return TargetResult{Host: inc.TargetHost, IncidentID: inc.ID, Status: inc.Status}
}

// autoRemediate dispatches the suggestion immediately and blocks for the
// terminal outcome.
func (e *Engine) autoRemediate(ctx context.Context, inc *incident.Incident, log *zap.Logger) TargetResult {
	inc.Status = incident.StatusExecuting
	if err := e.store.Create(ctx, inc); err != nil {
		log.Error("failed to persist incident", zap.Error(err))
		return TargetResult{Host: inc.TargetHost, Skipped: true, Reason: "store write failed"}
	}
	e.notifier.Notify(Event{Type: "incident_update", IncidentID: inc.ID, Status: inc.Status})

	final := e.runRemediation(ctx, inc.ID, inc.TargetHost, inc.SuggestedCommand, log)
	return TargetResult{Host: inc.TargetHost, IncidentID: inc.ID, Status: final}
}

// Approve releases a pending incident for execution. The chosen command is
// the operator override when given, else the stored suggestion. The
// dispatch-and-wait runs as a detached task so the caller returns with the
// incident already in executing.
func (e *Engine) Approve(ctx context.Context, id, customCommand string) error {
	inc, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inc.Status != incident.StatusPendingApproval {
		return &store.InvalidStateError{ID: id, Current: inc.Status}
	}

	command := inc.SuggestedCommand
	detail := "Suggested command approved"
	if customCommand != "" {
		command = customCommand
		detail = "Custom command used"
	}

	// The conditional transition is the gate; a losing concurrent approve
	// must return before recording anything.
	if err := e.store.UpdateStatus(ctx, id,
		[]incident.Status{incident.StatusPendingApproval}, incident.StatusExecuting, ""); err != nil {
		return err
	}
	if customCommand != "" {
		if err := e.store.SetCustomCommand(ctx, id, customCommand); err != nil {
			e.logger.Warn("failed to record custom command",
				zap.String("incident_id", id), zap.Error(err))
		}
	}
	if err := e.store.AppendTimeline(ctx, id, incident.NewTimelineEntry("approved", detail)); err != nil {
		e.logger.Warn("failed to append approval timeline entry",
			zap.String("incident_id", id), zap.Error(err))
	}
	e.notifier.Notify(Event{Type: "incident_update", IncidentID: id, Status: incident.StatusExecuting})

	log := e.logger.With(zap.String("incident_id", id), zap.String("host", inc.TargetHost))
	log.Info("remediation approved", zap.Bool("custom_command", customCommand != ""))

	host := inc.TargetHost
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Detached from the request context: the operator call returns
		// immediately while the remediation runs to completion.
		e.runRemediation(context.Background(), id, host, command, log)
	}()
	return nil
}

// Reject declines a pending remediation. No command is ever dispatched for
// a rejected incident. Only pending_approval incidents may be rejected so a
// late Reject cannot overwrite a terminal outcome.
func (e *Engine) Reject(ctx context.Context, id string) error {
	inc, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inc.Status != incident.StatusPendingApproval {
		return &store.InvalidStateError{ID: id, Current: inc.Status}
	}

	if err := e.store.UpdateStatus(ctx, id,
		[]incident.Status{incident.StatusPendingApproval}, incident.StatusRejected, ""); err != nil {
		return err
	}
	if err := e.store.AppendTimeline(ctx, id,
		incident.NewTimelineEntry("rejected", "Operator rejected remediation")); err != nil {
		e.logger.Warn("failed to append rejection timeline entry",
			zap.String("incident_id", id), zap.Error(err))
	}

	e.logger.Info("remediation rejected", zap.String("incident_id", id))
	e.notifier.Notify(Event{Type: "incident_update", IncidentID: id, Status: incident.StatusRejected})
	return nil
}

// runRemediation dispatches one command, waits for its terminal result, and
// finalizes the incident. All writes go through the store's conditional
// update expecting executing, so a stale finalize can never revert a status
// an operator already moved on.
func (e *Engine) runRemediation(ctx context.Context, id, host, command string, log *zap.Logger) incident.Status {
	invocationID, err := e.exec.Dispatch(ctx, host, []string{command})
	if err != nil {
		log.Error("remediation dispatch failed", zap.Error(err))
		e.finalize(ctx, id, incident.StatusFailed, "Dispatch failed: "+err.Error(), log)
		return incident.StatusFailed
	}

	res, err := e.exec.Await(ctx, invocationID, host)
	if err != nil {
		log.Error("remediation wait failed", zap.Error(err))
		e.finalize(ctx, id, incident.StatusFailed, err.Error(), log)
		return incident.StatusFailed
	}
	if res == nil {
		log.Warn("remediation timed out")
		e.finalize(ctx, id, incident.StatusTimeout, "Command timed out", log)
		return incident.StatusTimeout
	}

	final := incident.StatusFailed
	if res.State == executor.StateSuccess {
		final = incident.StatusCompleted
	}
	log.Info("remediation finished", zap.String("state", string(res.State)))
	e.finalize(ctx, id, final, res.Output(), log)
	return final
}

// finalize applies a terminal outcome, appends the terminal timeline entry,
// and notifies subscribers.
func (e *Engine) finalize(ctx context.Context, id string, final incident.Status, output string, log *zap.Logger) {
	err := e.store.UpdateStatus(ctx, id,
		[]incident.Status{incident.StatusExecuting}, final, output)
	if err != nil {
		var ise *store.InvalidStateError
		if errors.As(err, &ise) {
			log.Warn("dropping stale finalize, incident already moved on",
				zap.String("current", string(ise.Current)), zap.String("attempted", string(final)))
			return
		}
		log.Error("failed to finalize incident", zap.Error(err))
		return
	}

	if err := e.store.AppendTimeline(ctx, id, incident.NewTimelineEntry(string(final), output)); err != nil {
		log.Warn("failed to append terminal timeline entry", zap.Error(err))
	}

	output = incident.Truncate(output, broadcastOutputCap)
	e.notifier.Notify(Event{Type: "incident_update", IncidentID: id, Status: final, Output: output})
}
