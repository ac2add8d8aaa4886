package completion

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

// Instrumented records latency and failures of another Completer.
type Instrumented struct {
	next     Completer
	provider string
	metrics  *metrics.Metrics
}

func NewInstrumented(next Completer, provider string, m *metrics.Metrics) *Instrumented {
	if provider == "" {
		provider = ProviderOpenAI
	}
	return &Instrumented{next: next, provider: provider, metrics: m}
}

func (i *Instrumented) Complete(ctx context.Context, req Request) (Completion, error) {
	start := time.Now()
	out, err := i.next.Complete(ctx, req)
	if i.metrics == nil {
		return out, err
	}
	if err != nil {
		i.metrics.CompletionErrors.WithLabelValues(i.provider).Inc()
		return out, err
	}
	kind := "text"
	if out.Structured() {
		kind = "function"
	}
	i.metrics.CompletionLatency.WithLabelValues(i.provider, kind).Observe(time.Since(start).Seconds())
	return out, nil
}
