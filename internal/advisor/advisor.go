// Package advisor turns diagnostic output into a suggested remediation
// command with rationale. The primary backend is an OpenAI-compatible chat
// model; every internal failure falls through to the deterministic
// per-category runbook fallback, so the caller always gets an actionable
// (or explicitly inert) suggestion and never an error.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/opsmend/opsmend/internal/incident"
	"github.com/opsmend/opsmend/internal/runbook"
)

// Suggestion is a remediation proposal.
type Suggestion struct {
	Reasoning string `json:"reasoning"`
	Command   string `json:"command"`
}

// Advisor produces remediation suggestions. Implementations never fail the
// caller.
type Advisor interface {
	Suggest(ctx context.Context, diagnostics string, cat incident.Category) Suggestion
}

// Fallback is a pure offline advisor over the runbook library.
type Fallback struct {
	runbooks *runbook.Library
}

// NewFallback creates an advisor that always answers from the runbooks.
func NewFallback(lib *runbook.Library) *Fallback {
	return &Fallback{runbooks: lib}
}

// Suggest returns the fixed fallback for the category, independent of the
// diagnostic text.
func (f *Fallback) Suggest(_ context.Context, _ string, cat incident.Category) Suggestion {
	reasoning, command := f.runbooks.Fallback(cat)
	return Suggestion{Reasoning: reasoning, Command: command}
}

// Config configures the OpenAI-backed advisor.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	ArchiveBucket string
}

// OpenAI is the model-backed advisor.
type OpenAI struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	bucket   string
	fallback *Fallback
	logger   *zap.Logger
}

// NewOpenAI creates a model-backed advisor. An empty API key yields an
// advisor that always answers from the fallback table.
func NewOpenAI(cfg Config, lib *runbook.Library, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}

	var client *openai.Client
	if cfg.APIKey != "" {
		cc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			cc.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(cc)
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAI{
		client:   client,
		model:    model,
		timeout:  timeout,
		bucket:   cfg.ArchiveBucket,
		fallback: NewFallback(lib),
		logger:   logger,
	}
}

// Suggest asks the model for a remediation. Missing credentials, transport
// errors, and malformed replies all resolve to the category fallback.
func (a *OpenAI) Suggest(ctx context.Context, diagnostics string, cat incident.Category) Suggestion {
	if a.client == nil {
		a.logger.Info("advisor has no credentials, using fallback",
			zap.String("category", string(cat)))
		return a.fallback.Suggest(ctx, diagnostics, cat)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(diagnostics, cat)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		a.logger.Warn("advisor call failed, using fallback",
			zap.String("category", string(cat)), zap.Error(err))
		return a.fallback.Suggest(ctx, diagnostics, cat)
	}
	if len(resp.Choices) == 0 {
		a.logger.Warn("advisor returned no choices, using fallback",
			zap.String("category", string(cat)))
		return a.fallback.Suggest(ctx, diagnostics, cat)
	}

	sug, err := parseSuggestion(resp.Choices[0].Message.Content)
	if err != nil {
		a.logger.Warn("advisor reply unparseable, using fallback",
			zap.String("category", string(cat)), zap.Error(err))
		return a.fallback.Suggest(ctx, diagnostics, cat)
	}
	return sug
}

func (a *OpenAI) systemPrompt() string {
	return fmt.Sprintf(
		"You are a Linux sysadmin. The object-storage bucket for log archival is '%s'. "+
			"Return ONLY a JSON object with keys 'reasoning' (brief explanation of why this "+
			"command fixes the issue) and 'command' (the bash command itself). "+
			"No markdown, no explanations outside JSON.",
		a.bucket,
	)
}

func userPrompt(diagnostics string, cat incident.Category) string {
	return fmt.Sprintf("Context:\n%s\n\nIssue: %s\n\nProvide the specific remediation JSON.",
		diagnostics, cat)
}

// parseSuggestion strips markdown fences the model sometimes adds despite
// instructions, then decodes and validates the JSON payload.
func parseSuggestion(content string) (Suggestion, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var sug Suggestion
	if err := json.Unmarshal([]byte(content), &sug); err != nil {
		return Suggestion{}, fmt.Errorf("decoding suggestion: %w", err)
	}
	if sug.Command == "" {
		return Suggestion{}, fmt.Errorf("suggestion missing command")
	}
	if sug.Reasoning == "" {
		sug.Reasoning = "No reasoning provided."
	}
	return sug, nil
}
