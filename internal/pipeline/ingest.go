package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

const (
	queueInput  = "input"
	queueOutput = "output"
)

// Ingester normalises incoming chat text and enqueues it for Transform.
type Ingester struct {
	out     *Channel[Message]
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngester creates an Ingester feeding out. A positive timeout bounds
// how long Ingest waits for room; zero waits as long as ctx allows.
func NewIngester(out *Channel[Message], timeout time.Duration, m *metrics.Metrics) *Ingester {
	return &Ingester{
		out:     out,
		timeout: timeout,
		metrics: m,
		logger:  slog.Default().With("component", "ingest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Normalize strips MarkdownV2 escape backslashes and surrounding whitespace.
func Normalize(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(raw, `\`, ""))
}

// Ingest enqueues the text of one chat message. Empty text is rejected with
// ErrInvalidInput; a channel that stays full past the timeout yields
// ErrChannelFull.
func (i *Ingester) Ingest(ctx context.Context, conversationID, raw string) error {
	if strings.TrimSpace(conversationID) == "" {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "conversation id is required")
	}
	text := Normalize(raw)
	if text == "" {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "message text is empty")
	}
	msg := Message{
		ConversationID: conversationID,
		Payload:        text,
		ReceivedAt:     i.now(),
		TraceID:        uuid.NewString(),
	}

	var err error
	if i.timeout > 0 {
		err = i.out.PutTimeout(ctx, msg, i.timeout)
	} else {
		err = i.out.Put(ctx, msg)
	}
	if err != nil {
		i.metrics.MessagesFailed.WithLabelValues("ingest", "enqueue").Inc()
		return fmt.Errorf("enqueueing message for %s: %w", conversationID, err)
	}

	i.metrics.MessagesIngested.Inc()
	i.metrics.QueueDepth.WithLabelValues(queueInput).Set(float64(i.out.Depth()))
	i.logger.Info("message queued",
		"conversation_id", conversationID,
		"trace_id", msg.TraceID,
		"depth", i.out.Depth(),
	)
	return nil
}
