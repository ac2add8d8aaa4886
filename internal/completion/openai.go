package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/resilience"
)

const (
	ProviderOpenAI = "openai"

	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAITimeout = 60 * time.Second
	maxErrorBody         = 4 << 10
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model        string        `json:"model"`
	Messages     []chatMessage `json:"messages"`
	Temperature  float64       `json:"temperature"`
	Functions    []Function    `json:"functions,omitempty"`
	FunctionCall string        `json:"function_call,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content      *string `json:"content"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
}

// statusError is a non-2xx answer from the API.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// OpenAI is a client for OpenAI-compatible /chat/completions endpoints.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	maxAttempts int
	httpClient  *http.Client
	breaker     *resilience.CircuitBreaker
	logger      *slog.Logger
}

// NewOpenAI creates a client from cfg. Calls go through a circuit breaker
// whose state is exported on m.
func NewOpenAI(cfg config.CompletionConfig, m *metrics.Metrics) *OpenAI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenAITimeout
	}
	breakerCfg := resilience.CircuitBreakerConfig{}
	if m != nil {
		breakerCfg.OnStateChange = func(name string, _, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       cfg.Model,
		maxAttempts: cfg.MaxAttempts,
		httpClient:  &http.Client{Timeout: timeout},
		breaker:     resilience.NewCircuitBreaker("completion-openai", breakerCfg),
		logger:      slog.Default().With("component", "completion-openai"),
	}
}

// Complete sends req and decodes the first choice. Rate limits and server
// errors are retried with backoff; other failures return immediately.
func (c *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
	}
	if len(req.Functions) > 0 {
		payload.Functions = req.Functions
		payload.FunctionCall = "auto"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Completion{}, fmt.Errorf("marshaling request: %w", err)
	}

	var out Completion
	err = resilience.Retry(ctx, "completion-openai", resilience.RetryConfig{
		MaxAttempts:  c.maxAttempts,
		InitialDelay: 500 * time.Millisecond,
		Retryable:    isRetryable,
	}, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			var callErr error
			out, callErr = c.do(ctx, body)
			return callErr
		})
	})
	if err != nil {
		return Completion{}, err
	}
	return out, nil
}

func (c *OpenAI) do(ctx context.Context, body []byte) (Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Completion{}, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, errors.New("response has no choices")
	}
	msg := decoded.Choices[0].Message
	if fc := msg.FunctionCall; fc != nil {
		args := strings.TrimSpace(fc.Arguments)
		if !json.Valid([]byte(args)) {
			return Completion{}, fmt.Errorf("function %s returned malformed arguments", fc.Name)
		}
		c.logger.Debug("function call answer", "function", fc.Name)
		return Completion{FunctionName: fc.Name, FunctionArguments: json.RawMessage(args)}, nil
	}
	if msg.Content == nil {
		return Completion{}, errors.New("response message has neither content nor function call")
	}
	return Completion{Text: strings.TrimSpace(*msg.Content)}, nil
}

// isRetryable retries transport failures, 429 and 5xx answers.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= http.StatusInternalServerError
	}
	return strings.HasPrefix(err.Error(), "executing request")
}
