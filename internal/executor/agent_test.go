package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testAgentConfig(baseURL string) AgentConfig {
	return AgentConfig{
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	}
}

// TestAgentClient_Dispatch verifies the dispatch request shape and
// invocation id extraction.
func TestAgentClient_Dispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/commands" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding dispatch request: %v", err)
		}
		if req.Host != "i-0abc" || len(req.Commands) != 2 {
			t.Errorf("unexpected payload: %+v", req)
		}
		json.NewEncoder(w).Encode(dispatchResponse{InvocationID: "inv-123"})
	}))
	defer srv.Close()

	c := NewAgentClient(testAgentConfig(srv.URL), nil)
	id, err := c.Dispatch(context.Background(), "i-0abc", []string{"df -h /", "free -m"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if id != "inv-123" {
		t.Errorf("expected inv-123, got %q", id)
	}
}

// TestAgentClient_DispatchFailures verifies error responses and missing
// invocation ids wrap ErrDispatch.
func TestAgentClient_DispatchFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "agent unavailable", http.StatusBadGateway)
			},
		},
		{
			name: "missing invocation id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(dispatchResponse{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewAgentClient(testAgentConfig(srv.URL), nil)
			_, err := c.Dispatch(context.Background(), "i-0abc", []string{"uptime"})
			if !errors.Is(err, ErrDispatch) {
				t.Errorf("expected ErrDispatch, got %v", err)
			}
		})
	}
}

// TestAgentClient_AwaitTerminal verifies polling continues past
// non-terminal states and returns the terminal result.
func TestAgentClient_AwaitTerminal(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/commands/inv-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("host") != "i-0abc" {
			t.Errorf("expected host query param, got %q", r.URL.Query().Get("host"))
		}
		n := atomic.AddInt32(&polls, 1)
		if n < 3 {
			json.NewEncoder(w).Encode(invocationResponse{State: "InProgress"})
			return
		}
		json.NewEncoder(w).Encode(invocationResponse{State: StateSuccess, Stdout: "Filesystem cleaned"})
	}))
	defer srv.Close()

	c := NewAgentClient(testAgentConfig(srv.URL), nil)
	res, err := c.Await(context.Background(), "inv-123", "i-0abc")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if res == nil || res.State != StateSuccess {
		t.Fatalf("expected success result, got %+v", res)
	}
	if res.Stdout != "Filesystem cleaned" {
		t.Errorf("expected stdout captured, got %q", res.Stdout)
	}
}

// TestAgentClient_AwaitBudgetExhausted verifies a never-terminal invocation
// returns (nil, nil), the caller's timeout signal.
func TestAgentClient_AwaitBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(invocationResponse{State: "InProgress"})
	}))
	defer srv.Close()

	c := NewAgentClient(testAgentConfig(srv.URL), nil)
	res, err := c.Await(context.Background(), "inv-123", "i-0abc")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result on budget exhaustion, got %+v", res)
	}
}

// TestAgentClient_AwaitToleratesNotFound verifies 404s right after dispatch
// are retried within the budget instead of failing.
func TestAgentClient_AwaitToleratesNotFound(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		if n < 2 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(invocationResponse{State: StateFailed, Stderr: "command not found"})
	}))
	defer srv.Close()

	c := NewAgentClient(testAgentConfig(srv.URL), nil)
	res, err := c.Await(context.Background(), "inv-123", "i-0abc")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if res == nil || res.State != StateFailed {
		t.Fatalf("expected failed result after retry, got %+v", res)
	}
}

// TestAgentClient_AwaitContextCancelled verifies cancellation interrupts
// the poll loop.
func TestAgentClient_AwaitContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(invocationResponse{State: "InProgress"})
	}))
	defer srv.Close()

	cfg := testAgentConfig(srv.URL)
	cfg.PollInterval = time.Second
	cfg.MaxPolls = 1000
	c := NewAgentClient(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, "inv-123", "i-0abc")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestResultOutput verifies the stdout, stderr, placeholder preference
// order.
func TestResultOutput(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"stdout preferred", Result{Stdout: "out", Stderr: "err"}, "out"},
		{"stderr when no stdout", Result{Stderr: "err"}, "err"},
		{"placeholder when empty", Result{}, "No output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Output(); got != tt.want {
				t.Errorf("Output() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestStateTerminal verifies terminal state detection.
func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailed, StateCancelled, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{"Pending", "InProgress", ""} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
