package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

var companyFn = Function{
	Name:        "extract_company_data",
	Description: "Extract companies",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"companies":{"type":"array"}}}`),
}

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOpenAI(config.CompletionConfig{
		BaseURL:     srv.URL + "/",
		APIKey:      "test-key",
		Model:       "gpt-test",
		MaxAttempts: 3,
	}, metrics.NewNop())
}

func TestOpenAI_FunctionCall(t *testing.T) {
	var got chatRequest
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"content":null,"function_call":{"name":"extract_company_data","arguments":"{\"companies\": [{\"name\": \"Acme\"}]}"}}}]}`)
	})

	out, err := c.Complete(context.Background(), Request{
		System:      "sys",
		User:        "Acme raised seed",
		Functions:   []Function{companyFn},
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.True(t, out.Structured())
	assert.Equal(t, "extract_company_data", out.FunctionName)
	assert.JSONEq(t, `{"companies":[{"name":"Acme"}]}`, string(out.FunctionArguments))

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 0.7, got.Temperature)
	assert.Equal(t, "auto", got.FunctionCall)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "sys"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "Acme raised seed"}, got.Messages[1])
	require.Len(t, got.Functions, 1)
	assert.Equal(t, "extract_company_data", got.Functions[0].Name)
}

func TestOpenAI_TextAnswerOmitsFunctions(t *testing.T) {
	var raw map[string]json.RawMessage
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"  hello there \n"}}]}`)
	})

	out, err := c.Complete(context.Background(), Request{System: "s", User: "u", Model: "gpt-other"})
	require.NoError(t, err)
	assert.False(t, out.Structured())
	assert.Equal(t, "hello there", out.Text)
	assert.NotContains(t, raw, "functions")
	assert.NotContains(t, raw, "function_call")
	assert.JSONEq(t, `"gpt-other"`, string(raw["model"]))
}

func TestOpenAI_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	out, err := c.Complete(context.Background(), Request{User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAI_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), Request{User: "u"})
	require.Error(t, err)
	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAI_MalformedArguments(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"function_call":{"name":"f","arguments":"{not json"}}}]}`)
	})

	_, err := c.Complete(context.Background(), Request{User: "u", Functions: []Function{companyFn}})
	assert.ErrorContains(t, err, "malformed arguments")
}

func TestOpenAI_NoChoices(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, err := c.Complete(context.Background(), Request{User: "u"})
	assert.ErrorContains(t, err, "no choices")
}

type stubCompleter struct {
	out Completion
	err error
}

func (s stubCompleter) Complete(context.Context, Request) (Completion, error) {
	return s.out, s.err
}

func TestInstrumented(t *testing.T) {
	m := metrics.NewNop()

	ok := NewInstrumented(stubCompleter{out: Completion{FunctionArguments: json.RawMessage(`{}`)}}, "openai", m)
	_, err := ok.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.CompletionLatency))

	failing := NewInstrumented(stubCompleter{err: errors.New("boom")}, "gemini", m)
	_, err = failing.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionErrors.WithLabelValues("gemini")))
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.CompletionConfig{Provider: "llama"}, metrics.NewNop())
	assert.Error(t, err)
}

func TestNew_GeminiNeedsKey(t *testing.T) {
	_, err := New(context.Background(), config.CompletionConfig{Provider: ProviderGemini}, metrics.NewNop())
	assert.ErrorContains(t, err, "API key")
}

func newTestGemini(t *testing.T, model string, h http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewGemini(context.Background(), config.CompletionConfig{
		Provider:    ProviderGemini,
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		Model:       model,
		Timeout:     time.Second,
		MaxAttempts: 3,
	}, metrics.NewNop())
	require.NoError(t, err)
	return g
}

func TestGemini_FunctionCallOnDefaultModel(t *testing.T) {
	var (
		path string
		body map[string]any
	)
	g := newTestGemini(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"extract_company_data","args":{"companies":[{"name":"Acme"}]}}}]}}]}`)
	})

	out, err := g.Complete(context.Background(), Request{
		System:      "sys",
		User:        "Acme raised seed",
		Functions:   []Function{companyFn},
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", path)
	assert.True(t, out.Structured())
	assert.Equal(t, "extract_company_data", out.FunctionName)
	assert.JSONEq(t, `{"companies":[{"name":"Acme"}]}`, string(out.FunctionArguments))

	tools, err := json.Marshal(body["tools"])
	require.NoError(t, err)
	assert.JSONEq(t, `[{"functionDeclarations":[{"name":"extract_company_data","description":"Extract companies","parametersJsonSchema":{"type":"object","properties":{"companies":{"type":"array"}}}}]}]`, string(tools))

	system, err := json.Marshal(body["systemInstruction"])
	require.NoError(t, err)
	assert.Contains(t, string(system), `"text":"sys"`)

	genCfg, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.7, genCfg["temperature"], 1e-6)
}

func TestGemini_ConfiguredModelTextAnswer(t *testing.T) {
	var (
		path string
		body map[string]any
	)
	g := newTestGemini(t, "", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"  hello there \n"}]}}]}`)
	})

	out, err := g.Complete(context.Background(), Request{User: "u", Model: "gemini-2.0-pro"})
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.0-pro:generateContent", path)
	assert.False(t, out.Structured())
	assert.Equal(t, "hello there", out.Text)
	assert.NotContains(t, body, "tools")
}

func TestGemini_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	g := newTestGemini(t, "", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
			return
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`)
	})

	out, err := g.Complete(context.Background(), Request{User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGemini_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := newTestGemini(t, "", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"bad model","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := g.Complete(context.Background(), Request{User: "u"})
	require.Error(t, err)
	var apiErr genai.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGeminiModel(t *testing.T) {
	tests := map[string]string{
		"":                 defaultGeminiModel,
		"gpt-4o-mini":      defaultGeminiModel,
		"gemini-2.0-pro":   "gemini-2.0-pro",
		"gemini-2.5-flash": "gemini-2.5-flash",
	}
	for in, want := range tests {
		assert.Equal(t, want, geminiModel(in), "model %q", in)
	}
}
