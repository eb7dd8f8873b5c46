package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AgentConfig configures the HTTP command agent client.
type AgentConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// DefaultAgentConfig returns the default poll budget: 2s interval times 60
// attempts, a two minute wall-clock cap.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Timeout:      15 * time.Second,
		PollInterval: 2 * time.Second,
		MaxPolls:     60,
	}
}

// AgentClient talks to the per-host command agent service: one POST to
// dispatch a shell command batch, then bounded GET polling for the
// invocation's terminal state.
type AgentClient struct {
	config     AgentConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAgentClient creates an agent client.
func NewAgentClient(config AgentConfig, logger *zap.Logger) *AgentClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = 60
	}
	return &AgentClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type dispatchRequest struct {
	Host     string   `json:"host"`
	Commands []string `json:"commands"`
}

type dispatchResponse struct {
	InvocationID string `json:"invocation_id"`
}

type invocationResponse struct {
	State  State  `json:"state"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Dispatch sends a command batch to a host. A missing invocation id is a
// dispatch failure.
func (c *AgentClient) Dispatch(ctx context.Context, host string, commands []string) (string, error) {
	body, err := json.Marshal(dispatchRequest{Host: host, Commands: commands})
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %v", ErrDispatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.config.BaseURL, "/")+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: agent returned %d: %s", ErrDispatch, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var dr dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrDispatch, err)
	}
	if dr.InvocationID == "" {
		return "", fmt.Errorf("%w: agent returned no invocation id", ErrDispatch)
	}
	return dr.InvocationID, nil
}

// Await polls for the invocation's terminal state. It returns (nil, nil)
// when the poll budget runs out.
func (c *AgentClient) Await(ctx context.Context, invocationID, host string) (*Result, error) {
	path := fmt.Sprintf("%s/v1/commands/%s?host=%s",
		strings.TrimSuffix(c.config.BaseURL, "/"),
		url.PathEscape(invocationID),
		url.QueryEscape(host),
	)

	for attempt := 0; attempt < c.config.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.PollInterval):
		}

		res, err := c.poll(ctx, path)
		if err != nil {
			// The agent may not know the invocation yet right after
			// dispatch; keep polling within the budget.
			c.logger.Debug("invocation poll failed",
				zap.String("invocation_id", invocationID), zap.Error(err))
			continue
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// poll fetches the invocation once. A nil Result means not yet terminal.
func (c *AgentClient) poll(ctx context.Context, path string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("invocation not known yet")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var ir invocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("decoding invocation: %w", err)
	}
	if !ir.State.Terminal() {
		return nil, nil
	}
	return &Result{State: ir.State, Stdout: ir.Stdout, Stderr: ir.Stderr}, nil
}
