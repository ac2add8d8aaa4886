package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/prompts"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

const acmeArgs = `{"companies":[{"name":"Acme","summary":"Rockets","links":{"deck":{"link":"http://deck","password":"pw"}},"socials":{"linkedin":"http://li"}}]}`

type completerFunc func(ctx context.Context, req completion.Request) (completion.Completion, error)

func (f completerFunc) Complete(ctx context.Context, req completion.Request) (completion.Completion, error) {
	return f(ctx, req)
}

type sendFunc func(ctx context.Context, conversationID, text string) error

func (f sendFunc) Send(ctx context.Context, conversationID, text string) error {
	return f(ctx, conversationID, text)
}

type nopSaver struct{}

func (nopSaver) Save(context.Context, string, *store.ExtractionPayload) []string { return nil }

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		PromptName:     "company_data",
		InputCapacity:  8,
		OutputCapacity: 8,
		DequeueTimeout: 50 * time.Millisecond,
		IngestTimeout:  time.Second,
	}
}

func testPrompts() *prompts.Registry {
	return prompts.NewRegistry(prompts.Definition{
		Name:         "company_data",
		SystemPrompt: "Extract companies.",
		UserTemplate: "{message}",
		Functions:    []completion.Function{{Name: "extract_company_data"}},
	})
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Deps{}, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.PromptName = "missing"
	_, err = New(Deps{
		Store:     nopSaver{},
		Completer: completerFunc(nil),
		Prompts:   testPrompts(),
		Sender:    sendFunc(nil),
	}, cfg)
	assert.ErrorContains(t, err, "missing")
}

func TestApp_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	s := store.New(client, time.Hour, metrics.NewNop())

	var (
		mu      sync.Mutex
		replies []string
	)
	sender := sendFunc(func(_ context.Context, conversationID, text string) error {
		assert.Equal(t, "77", conversationID)
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, text)
		return nil
	})
	completer := completerFunc(func(_ context.Context, req completion.Request) (completion.Completion, error) {
		if req.User == "hello" {
			return completion.Completion{Text: "Hi there"}, nil
		}
		return completion.Completion{FunctionName: "extract_company_data", FunctionArguments: json.RawMessage(acmeArgs)}, nil
	})

	a, err := New(Deps{Store: s, Completer: completer, Prompts: testPrompts(), Sender: sender}, testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	a.Start(ctx)
	a.Start(ctx)

	require.NoError(t, a.Ingest(ctx, "77", "Acme builds rockets"))
	require.NoError(t, a.Ingest(ctx, "77", "hello"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop(ctx))

	var reply struct {
		Companies  []map[string]any `json:"companies"`
		CompanyIDs []string         `json:"company_ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(replies[0]), &reply))
	require.Len(t, reply.CompanyIDs, 1)
	assert.Equal(t, "Acme", reply.Companies[0]["name"])
	assert.Equal(t, "Hi there", replies[1])

	links, err := s.Links(ctx, reply.CompanyIDs[0])
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, l := range links {
		assert.Equal(t, store.StatusPending, l.Status)
	}
	pending, err := s.PendingLinkIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestApp_StopOrdersDeliveryBeforeTransform(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	sending := make(chan struct{})
	release := make(chan struct{})
	sender := sendFunc(func(context.Context, string, string) error {
		close(sending)
		<-release
		record("delivered")
		return nil
	})
	waiting := make(chan struct{})
	completer := completerFunc(func(ctx context.Context, req completion.Request) (completion.Completion, error) {
		if req.User == "first" {
			return completion.Completion{Text: "ok"}, nil
		}
		close(waiting)
		<-ctx.Done()
		record("transform cancelled")
		return completion.Completion{}, ctx.Err()
	})

	a, err := New(Deps{Store: nopSaver{}, Completer: completer, Prompts: testPrompts(), Sender: sender}, testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	a.Start(ctx)

	require.NoError(t, a.Ingest(ctx, "1", "first"))
	<-sending
	require.NoError(t, a.Ingest(ctx, "1", "second"))
	<-waiting

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(ctx) }()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, events, "transform cancelled while delivery was still busy")
	mu.Unlock()

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, []string{"delivered", "transform cancelled"}, events)
	assert.Equal(t, map[string]int{"input": 0, "output": 0}, a.Depths())
	assert.NoError(t, a.Stop(ctx))
}

func TestApp_StopDropsQueued(t *testing.T) {
	block := make(chan struct{})
	completer := completerFunc(func(ctx context.Context, _ completion.Request) (completion.Completion, error) {
		select {
		case <-block:
			return completion.Completion{Text: "late"}, nil
		case <-ctx.Done():
			return completion.Completion{}, ctx.Err()
		}
	})
	a, err := New(Deps{Store: nopSaver{}, Completer: completer, Prompts: testPrompts(), Sender: sendFunc(func(context.Context, string, string) error {
		return errors.New("unreachable")
	})}, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	a.Start(ctx)
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, a.Ingest(ctx, "1", text))
	}
	require.Eventually(t, func() bool { return a.Depths()["input"] == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 0, a.Depths()["input"])
	close(block)
}

func TestApp_StopBoundedByContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sending := make(chan struct{})
	sender := sendFunc(func(context.Context, string, string) error {
		close(sending)
		<-release
		return nil
	})
	completer := completerFunc(func(context.Context, completion.Request) (completion.Completion, error) {
		return completion.Completion{Text: "ok"}, nil
	})
	a, err := New(Deps{Store: nopSaver{}, Completer: completer, Prompts: testPrompts(), Sender: sender}, testConfig())
	require.NoError(t, err)
	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	a.Start(startCtx)
	require.NoError(t, a.Ingest(startCtx, "1", "x"))
	<-sending

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Stop(ctx), context.DeadlineExceeded)
}
