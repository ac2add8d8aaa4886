// Package app owns the two pipeline channels and the stages between them.
// It is the one place that knows the start and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

// Runner is a background loop that runs until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps are the collaborators the pipeline is built from. Dispatcher is
// optional.
type Deps struct {
	Store      pipeline.Saver
	Completer  completion.Completer
	Prompts    pipeline.PromptSource
	Sender     pipeline.Sender
	Dispatcher Runner
	Metrics    *metrics.Metrics

	// Model and Temperature apply when a prompt does not set its own.
	Model       string
	Temperature float64
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// App is the running relay.
type App struct {
	input  *pipeline.Channel[pipeline.Message]
	output *pipeline.Channel[pipeline.Result]

	ingester    *pipeline.Ingester
	transformer *pipeline.Transformer
	deliverer   *pipeline.Deliverer
	dispatcher  Runner

	promptName string
	logger     *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	transform *loop
	dispatch  *loop
}

func New(deps Deps, cfg config.PipelineConfig) (*App, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("app: store is required")
	case deps.Completer == nil:
		return nil, errors.New("app: completer is required")
	case deps.Prompts == nil:
		return nil, errors.New("app: prompt source is required")
	case deps.Sender == nil:
		return nil, errors.New("app: sender is required")
	}
	if _, err := deps.Prompts.Get(cfg.PromptName); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	input := pipeline.NewChannel[pipeline.Message](cfg.InputCapacity)
	output := pipeline.NewChannel[pipeline.Result](cfg.OutputCapacity)
	return &App{
		input:    input,
		output:   output,
		ingester: pipeline.NewIngester(input, cfg.IngestTimeout, m),
		transformer: pipeline.NewTransformer(input, output, deps.Prompts, deps.Completer, pipeline.TransformerConfig{
			HighWaterMark: cfg.HighWaterMark,
			IdleWait:      cfg.DequeueTimeout,
			Temperature:   deps.Temperature,
			Model:         deps.Model,
		}, m),
		deliverer:  pipeline.NewDeliverer(output, deps.Store, deps.Sender, cfg.FallbackMessage, m),
		dispatcher: deps.Dispatcher,
		promptName: cfg.PromptName,
		logger:     slog.Default().With("component", "app"),
	}, nil
}

// Start launches Delivery, Transform and the dispatcher. An App runs once:
// calling Start again, even after Stop, is a no-op.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	a.deliverer.Start(ctx)
	a.transform = a.spawn(ctx, "transform", func(ctx context.Context) error {
		return a.transformer.Run(ctx, a.promptName)
	})
	if a.dispatcher != nil {
		a.dispatch = a.spawn(ctx, "dispatcher", a.dispatcher.Run)
	}
	a.logger.Info("pipeline started", "prompt", a.promptName,
		"input_capacity", a.input.Cap(), "output_capacity", a.output.Cap())
}

func (a *App) spawn(ctx context.Context, name string, run func(context.Context) error) *loop {
	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		if err := run(loopCtx); err != nil {
			a.logger.Error("loop exited with error", "loop", name, "error", err)
		}
	}()
	return l
}

// Stop shuts the pipeline down: Delivery first, then Transform, then the
// dispatcher. Whatever is still queued afterwards is dropped. ctx bounds
// the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	transform, dispatch := a.transform, a.dispatch
	a.mu.Unlock()

	delivered := make(chan struct{})
	go func() {
		a.deliverer.Stop()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-ctx.Done():
		return fmt.Errorf("stopping delivery: %w", ctx.Err())
	}

	transform.cancel()
	if err := transform.wait(ctx); err != nil {
		return fmt.Errorf("stopping transform: %w", err)
	}
	if dispatch != nil {
		dispatch.cancel()
		if err := dispatch.wait(ctx); err != nil {
			return fmt.Errorf("stopping dispatcher: %w", err)
		}
	}

	in, out := a.input.Drain(), a.output.Drain()
	if in+out > 0 {
		a.logger.Warn("dropped undelivered messages", "input", in, "output", out)
	}
	a.logger.Info("pipeline stopped")
	return nil
}

// Ingest enqueues one chat message.
func (a *App) Ingest(ctx context.Context, conversationID, text string) error {
	return a.ingester.Ingest(ctx, conversationID, text)
}

// Depths reports the current number of items in each channel.
func (a *App) Depths() map[string]int {
	return map[string]int{
		"input":  a.input.Depth(),
		"output": a.output.Depth(),
	}
}

// Capacity reports the capacity of each channel.
func (a *App) Capacity() map[string]int {
	return map[string]int{
		"input":  a.input.Cap(),
		"output": a.output.Cap(),
	}
}
