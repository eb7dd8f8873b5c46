// Package executor dispatches shell commands to fleet hosts and waits,
// with a bounded polling budget, for their terminal result.
package executor

import (
	"context"
	"errors"
)

// ErrDispatch indicates a command could not be sent to the host at all.
// The engine treats this as a dispatch-level failure, distinct from a poll
// budget running out.
var ErrDispatch = errors.New("command dispatch failed")

// State is the terminal state of a remote command invocation.
type State string

const (
	StateSuccess   State = "Success"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
	StateTimedOut  State = "TimedOut"
)

// Terminal reports whether a state ends polling.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Result is the captured outcome of a finished invocation.
type Result struct {
	State  State  `json:"state"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Output returns the most useful captured text.
func (r *Result) Output() string {
	if r.Stdout != "" {
		return r.Stdout
	}
	if r.Stderr != "" {
		return r.Stderr
	}
	return "No output"
}

// Executor runs shell commands on remote hosts.
//
// Await polls at a fixed interval up to a fixed attempt cap; the hard
// wall-clock timeout is interval times cap. A nil Result with a nil error
// means the budget ran out without a terminal state; the caller records
// that as a timeout outcome, not an error.
type Executor interface {
	Dispatch(ctx context.Context, host string, commands []string) (invocationID string, err error)
	Await(ctx context.Context, invocationID, host string) (*Result, error)
}
