// Package completion talks to hosted LLM chat-completion backends. A request
// carries a system prompt, a rendered user prompt and optional function
// definitions the model may call instead of answering in prose.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

// Function is one callable the model may pick. Parameters is a JSON Schema
// object.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is a single-turn completion request.
type Request struct {
	System      string
	User        string
	Functions   []Function
	Model       string
	Temperature float64
}

// Completion is what the backend answered: either free text or a function
// call with JSON arguments.
type Completion struct {
	Text              string
	FunctionName      string
	FunctionArguments json.RawMessage
}

// Structured reports whether the model answered with a function call.
func (c Completion) Structured() bool {
	return len(c.FunctionArguments) > 0
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// New builds the backend named by cfg.Provider, wrapped with metrics.
func New(ctx context.Context, cfg config.CompletionConfig, m *metrics.Metrics) (Completer, error) {
	var (
		backend Completer
		err     error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		backend = NewOpenAI(cfg, m)
	case ProviderGemini:
		backend, err = NewGemini(ctx, cfg, m)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumented(backend, cfg.Provider, m), nil
}
