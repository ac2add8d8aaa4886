package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

const (
	stageDelivery = "delivery"

	// DefaultFallbackText is sent when a result cannot be turned into a reply.
	DefaultFallbackText = "Sorry, I couldn't process that message. Please try again."

	companyIDsField  = "company_ids"
	itemGraceTimeout = 10 * time.Second
)

// Sender delivers reply text to a conversation.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// Saver persists a structured payload and returns the ids it minted.
type Saver interface {
	Save(ctx context.Context, conversationID string, payload *store.ExtractionPayload) []string
}

// Handle identifies a running delivery loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the loop goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Deliverer drains the output channel, persisting structured results and
// replying to each conversation.
type Deliverer struct {
	in       *Channel[Result]
	saver    Saver
	sender   Sender
	fallback string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	handle *Handle
}

func NewDeliverer(in *Channel[Result], saver Saver, sender Sender, fallback string, m *metrics.Metrics) *Deliverer {
	if fallback == "" {
		fallback = DefaultFallbackText
	}
	return &Deliverer{
		in:       in,
		saver:    saver,
		sender:   sender,
		fallback: fallback,
		metrics:  m,
		logger:   slog.Default().With("component", "delivery"),
	}
}

// Start launches the delivery loop. Later calls return the handle of the
// loop already started.
func (d *Deliverer) Start(ctx context.Context) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return d.handle
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	d.handle = h
	go func() {
		defer close(h.done)
		d.loop(loopCtx)
	}()
	d.logger.Info("delivery loop started")
	return h
}

// Stop cancels the loop and waits for it to exit. An item already taken
// from the channel is finished first. Stop is a no-op before Start and safe
// to repeat.
func (d *Deliverer) Stop() {
	d.mu.Lock()
	h := d.handle
	d.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (d *Deliverer) loop(ctx context.Context) {
	defer d.logger.Info("delivery loop stopped")
	for {
		res, err := d.in.Get(ctx)
		if err != nil {
			return
		}
		d.metrics.QueueDepth.WithLabelValues(queueOutput).Set(float64(d.in.Depth()))

		itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), itemGraceTimeout)
		itemCtx = logger.WithConversation(itemCtx, res.ConversationID, res.TraceID)
		d.deliver(itemCtx, res)
		cancel()
	}
}

// deliver replies to one result. A panic while building the reply sends the
// fallback text instead.
func (d *Deliverer) deliver(ctx context.Context, res Result) {
	log := logger.FromContext(ctx).With("component", "delivery")
	text, failed := d.safeRender(ctx, res, log)
	if failed {
		d.metrics.MessagesFailed.WithLabelValues(stageDelivery, "render").Inc()
		text = d.fallback
	}
	if err := d.sender.Send(ctx, res.ConversationID, text); err != nil {
		d.metrics.MessagesFailed.WithLabelValues(stageDelivery, "send").Inc()
		log.Error("sending reply failed", "error", err)
		return
	}
	d.metrics.MessagesProcessed.WithLabelValues(stageDelivery).Inc()
	log.Info("reply sent", "bytes", len(text))
}

func (d *Deliverer) safeRender(ctx context.Context, res Result, log *slog.Logger) (text string, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("building reply panicked", "panic", r)
			text, failed = "", true
		}
	}()
	text, err := d.render(ctx, res, log)
	if err != nil {
		log.Error("building reply failed", "error", err)
		return "", true
	}
	return text, false
}

// render interprets the payload. Anything that is not a well-formed
// extraction object is passed through unchanged.
func (d *Deliverer) render(ctx context.Context, res Result, log *slog.Logger) (string, error) {
	if !store.LooksStructured(res.Payload) {
		return res.Payload, nil
	}
	payload, err := store.ParsePayload(res.Payload)
	if err != nil {
		log.Warn("structured payload rejected, passing through", "error", err)
		return res.Payload, nil
	}
	ids := d.saver.Save(ctx, res.ConversationID, payload)
	if payload.HasCompanies {
		log.Info("companies stored", "company_ids", ids)
	}
	return FormatReply(payload.Fields, ids)
}

// FormatReply re-encodes fields with a company_ids member as indented JSON.
// Keys come out sorted; HTML characters are not escaped.
func FormatReply(fields map[string]json.RawMessage, companyIDs []string) (string, error) {
	if companyIDs == nil {
		companyIDs = []string{}
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return "", fmt.Errorf("encoding company ids: %w", err)
	}
	out := make(map[string]json.RawMessage, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[companyIDsField] = ids

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return "", fmt.Errorf("encoding reply: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
