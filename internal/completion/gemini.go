package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/resilience"
)

const (
	ProviderGemini = "gemini"

	defaultGeminiModel   = "gemini-2.5-flash"
	defaultGeminiTimeout = 60 * time.Second
)

// Gemini answers requests through the Gemini API. Function definitions are
// passed as function declarations with their JSON Schema unchanged.
type Gemini struct {
	client      *genai.Client
	model       string
	timeout     time.Duration
	maxAttempts int
	breaker     *resilience.CircuitBreaker
	logger      *slog.Logger
}

// NewGemini creates a Gemini client. A non-empty cfg.BaseURL overrides the
// API endpoint.
func NewGemini(ctx context.Context, cfg config.CompletionConfig, m *metrics.Metrics) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" && !strings.Contains(cfg.BaseURL, "openai.com") {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGeminiTimeout
	}
	breakerCfg := resilience.CircuitBreakerConfig{}
	if m != nil {
		breakerCfg.OnStateChange = func(name string, _, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &Gemini{
		client:      client,
		model:       geminiModel(cfg.Model),
		timeout:     timeout,
		maxAttempts: cfg.MaxAttempts,
		breaker:     resilience.NewCircuitBreaker("completion-gemini", breakerCfg),
		logger:      slog.Default().With("component", "completion-gemini"),
	}, nil
}

// geminiModel maps an empty or OpenAI model name onto the Gemini default so
// a shared completion config can switch providers.
func geminiModel(model string) string {
	if model == "" || strings.HasPrefix(model, "gpt-") {
		return defaultGeminiModel
	}
	return model
}

// Complete sends req. Rate limits, server errors and attempts that run past
// the configured timeout are retried with backoff.
func (g *Gemini) Complete(ctx context.Context, req Request) (Completion, error) {
	model := g.model
	if req.Model != "" {
		model = geminiModel(req.Model)
	}
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Functions) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Functions))
		for _, fn := range req.Functions {
			decl := &genai.FunctionDeclaration{
				Name:        fn.Name,
				Description: fn.Description,
			}
			if len(fn.Parameters) > 0 {
				decl.ParametersJsonSchema = fn.Parameters
			}
			decls = append(decls, decl)
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}

	var resp *genai.GenerateContentResponse
	err := resilience.Retry(ctx, "completion-gemini", resilience.RetryConfig{
		MaxAttempts:  g.maxAttempts,
		InitialDelay: 500 * time.Millisecond,
		Retryable:    isGeminiRetryable,
	}, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, g.timeout, "gemini generate", func(ctx context.Context) error {
				var callErr error
				resp, callErr = g.client.Models.GenerateContent(ctx, model, contents, gc)
				return callErr
			})
		})
	})
	if err != nil {
		return Completion{}, fmt.Errorf("generating content with %s: %w", model, err)
	}

	if calls := resp.FunctionCalls(); len(calls) > 0 {
		call := calls[0]
		args, err := json.Marshal(call.Args)
		if err != nil {
			return Completion{}, fmt.Errorf("encoding arguments of %s: %w", call.Name, err)
		}
		g.logger.Debug("function call answer", "function", call.Name, "model", model)
		return Completion{FunctionName: call.Name, FunctionArguments: args}, nil
	}
	return Completion{Text: strings.TrimSpace(resp.Text())}, nil
}

func isGeminiRetryable(err error) bool {
	if errors.Is(err, resilience.ErrTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
