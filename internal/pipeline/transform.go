package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/prompts"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

const stageTransform = "transform"

// PromptSource resolves prompt definitions by name.
type PromptSource interface {
	Get(name string) (prompts.Definition, error)
}

// TransformerConfig tunes the Transform loop.
type TransformerConfig struct {
	// HighWaterMark is the input depth above which every iteration warns.
	HighWaterMark int
	// IdleWait bounds each wait for input before the loop logs and goes
	// round again.
	IdleWait time.Duration
	// Temperature and Model apply when the prompt does not set its own.
	Temperature float64
	Model       string
}

// Transformer drains the input channel through the completion backend.
type Transformer struct {
	in        *Channel[Message]
	out       *Channel[Result]
	prompts   PromptSource
	completer completion.Completer
	cfg       TransformerConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewTransformer(in *Channel[Message], out *Channel[Result], src PromptSource, c completion.Completer, cfg TransformerConfig, m *metrics.Metrics) *Transformer {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 30 * time.Second
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 10
	}
	return &Transformer{
		in:        in,
		out:       out,
		prompts:   src,
		completer: c,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default().With("component", "transform"),
	}
}

// Run processes messages with the prompt called promptName until ctx is
// cancelled. A failing message is logged and skipped. A result that cannot
// be handed on because ctx ended is lost.
func (t *Transformer) Run(ctx context.Context, promptName string) error {
	t.logger.Info("transform loop started", "prompt", promptName, "idle_wait", t.cfg.IdleWait)
	defer t.logger.Info("transform loop stopped", "prompt", promptName)

	for ctx.Err() == nil {
		depth := t.in.Depth()
		t.metrics.QueueDepth.WithLabelValues(queueInput).Set(float64(depth))
		if depth > t.cfg.HighWaterMark {
			t.logger.Warn("input queue depth is high", "depth", depth, "high_water_mark", t.cfg.HighWaterMark)
		}

		msg, ok, err := t.in.GetTimeout(ctx, t.cfg.IdleWait)
		if err != nil {
			return nil
		}
		if !ok {
			t.logger.Debug("no messages received", "waited", t.cfg.IdleWait)
			continue
		}

		msgCtx := logger.WithConversation(ctx, msg.ConversationID, msg.TraceID)
		res, err := t.process(msgCtx, promptName, msg)
		if err != nil {
			t.metrics.MessagesFailed.WithLabelValues(stageTransform, failureReason(err)).Inc()
			logger.FromContext(msgCtx).Error("transforming message failed",
				"component", "transform",
				"prompt", promptName,
				"error", err,
			)
			continue
		}

		if err := t.out.Put(ctx, res); err != nil {
			logger.FromContext(msgCtx).Warn("result dropped, shutting down", "component", "transform")
			return nil
		}
		t.metrics.MessagesProcessed.WithLabelValues(stageTransform).Inc()
		t.metrics.QueueDepth.WithLabelValues(queueOutput).Set(float64(t.out.Depth()))
	}
	return nil
}

// process turns one message into a result. Panics are converted into
// errors so a single bad message cannot stop the loop.
func (t *Transformer) process(ctx context.Context, promptName string, msg Message) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apperrors.ErrInternal, r)
		}
	}()

	def, err := t.prompts.Get(promptName)
	if err != nil {
		return Result{}, err
	}
	req := completion.Request{
		System:      def.SystemPrompt,
		User:        def.Render(msg.Payload),
		Functions:   def.Functions,
		Model:       t.cfg.Model,
		Temperature: t.cfg.Temperature,
	}
	if def.Model != "" {
		req.Model = def.Model
	}
	if def.Temperature != nil {
		req.Temperature = *def.Temperature
	}

	logger.FromContext(ctx).Debug("requesting completion", "component", "transform", "prompt", promptName)
	out, err := t.completer.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("completion: %w", err)
	}
	payload, err := canonical(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ConversationID: msg.ConversationID,
		Payload:        payload,
		TraceID:        msg.TraceID,
	}, nil
}

// canonical renders a completion as reply text: function arguments as
// compact JSON, prose trimmed.
func canonical(c completion.Completion) (string, error) {
	if c.Structured() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, c.FunctionArguments); err != nil {
			return "", fmt.Errorf("%w: function arguments: %v", apperrors.ErrInvalidPayload, err)
		}
		return buf.String(), nil
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "", errors.New("completion is empty")
	}
	return text, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrPromptNotFound):
		return "prompt_not_found"
	case errors.Is(err, apperrors.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, apperrors.ErrInternal):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "completion"
	}
}
