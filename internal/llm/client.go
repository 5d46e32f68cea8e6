// Package llm provides the provider-agnostic gateway for model calls.
// Clients perform exactly one attempt per call; retry, timeout, and
// fallback policy live in the resilience package.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider errors. ErrTimeout wraps deadline-style failures so callers
// can distinguish them from hard provider faults with errors.Is.
var (
	ErrTimeout  = errors.New("provider timeout")
	ErrProvider = errors.New("provider error")
)

// Request is a single structured-output model call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Model       string // overrides the client default when set
}

// Result carries the raw model text plus token accounting.
type Result struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Client is the minimal surface the engine needs from a provider.
type Client interface {
	// GenerateJSON asks the model for a strict-JSON completion and
	// returns the raw text; parsing is the caller's concern.
	GenerateJSON(ctx context.Context, req Request) (Result, error)
	Model() string
}

// TaskClass selects which configured model serves a call.
type TaskClass string

const (
	TaskUtility   TaskClass = "utility"   // extraction, summarization
	TaskReasoning TaskClass = "reasoning" // default coaching calls
	TaskDeepThink TaskClass = "deep_think"
)

// ModelSet holds the per-task model names.
type ModelSet struct {
	Default string `yaml:"default"`
	Deep    string `yaml:"deep"`
	Utility string `yaml:"utility"`
}

// SelectModel routes a task class to a configured model. Routing is
// deterministic: utility work goes to the cheap model, deep_think to the
// deep model, everything else to the default.
func SelectModel(models ModelSet, task TaskClass) string {
	switch task {
	case TaskUtility:
		if models.Utility != "" {
			return models.Utility
		}
	case TaskDeepThink:
		if models.Deep != "" {
			return models.Deep
		}
	}
	return models.Default
}

// Config configures a provider client.
type Config struct {
	Provider string        // openai, gemini
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds a client for the configured provider.
func New(cfg Config) (Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIClient(cfg), nil
	case "gemini":
		return newGeminiClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// wrapTransportErr classifies a transport failure into the provider
// error taxonomy.
func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
