// Package dispatch hands pending link sub-records to downstream workers.
// On every tick it claims a batch from the pending set, marks each link
// in_progress and publishes a LinkTask. A link whose task cannot be
// published is marked failed.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
)

const releaseTimeout = 5 * time.Second

// LinkTask is the work item published for each claimed link.
type LinkTask struct {
	LinkID    string    `json:"link_id"`
	CompanyID string    `json:"company_id"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Password  string    `json:"password,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// LinkStore is the part of the record store the dispatcher uses.
type LinkStore interface {
	ClaimPending(ctx context.Context, n int) ([]string, error)
	ReleasePending(ctx context.Context, ids ...string) error
	GetLink(ctx context.Context, id string) (*store.Link, error)
	SetLinkStatus(ctx context.Context, id string, next store.Status) error
}

// Publisher publishes one event.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Dispatcher moves links from the pending set onto the task topic.
type Dispatcher struct {
	store     LinkStore
	pub       Publisher
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(s LinkStore, pub Publisher, interval time.Duration, batchSize int, m *metrics.Metrics) *Dispatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:     s,
		pub:       pub,
		interval:  interval,
		batchSize: batchSize,
		metrics:   m,
		logger:    slog.Default().With("component", "dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches a batch every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "interval", d.interval, "batch_size", d.batchSize)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch round failed", "error", err)
			}
		}
	}
}

// DispatchOnce claims one batch and returns how many tasks were published.
// Claimed ids that could not be handled, including the rest of the batch
// when ctx ends, go back to the pending set.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	ids, err := d.store.ClaimPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	var release []string
	for i, id := range ids {
		if ctx.Err() != nil {
			release = append(release, ids[i:]...)
			break
		}
		switch d.dispatch(ctx, id) {
		case outcomePublished:
			published++
		case outcomeRetry:
			release = append(release, id)
		}
	}
	d.release(ctx, release)
	if len(ids) > 0 {
		d.logger.Info("dispatch round", "claimed", len(ids), "published", published, "released", len(release))
	}
	return published, nil
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeDropped
	outcomeRetry
)

// release runs on a detached context so a cancelled round still hands its
// unprocessed ids back.
func (d *Dispatcher) release(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.store.ReleasePending(rctx, ids...); err != nil {
		d.logger.Error("releasing claimed links failed", "count", len(ids), "error", err)
		return
	}
	d.metrics.LinksDispatched.WithLabelValues("released").Add(float64(len(ids)))
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) outcome {
	link, err := d.store.GetLink(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			d.metrics.LinksDispatched.WithLabelValues("missing").Inc()
			d.logger.Debug("claimed link has expired", "link_id", id)
			return outcomeDropped
		}
		d.logger.Error("loading claimed link failed", "link_id", id, "error", err)
		return outcomeRetry
	}
	if err := d.store.SetLinkStatus(ctx, id, store.StatusInProgress); err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrNotFound) {
			d.metrics.LinksDispatched.WithLabelValues("skipped").Inc()
			d.logger.Warn("claimed link not dispatchable", "link_id", id, "status", link.Status, "error", err)
			return outcomeDropped
		}
		d.logger.Error("marking link in_progress failed", "link_id", id, "error", err)
		return outcomeRetry
	}

	err = d.pub.Publish(ctx, kafka.Event{
		Key: link.CompanyID,
		Value: LinkTask{
			LinkID:    link.ID,
			CompanyID: link.CompanyID,
			Type:      link.Type,
			URL:       link.URL,
			Password:  link.Password,
			ClaimedAt: d.now(),
		},
	})
	if err != nil {
		d.metrics.LinksDispatched.WithLabelValues("failed").Inc()
		d.logger.Error("publishing link task failed", "link_id", id, "error", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if serr := d.store.SetLinkStatus(fctx, id, store.StatusFailed); serr != nil {
			d.logger.Error("marking link failed", "link_id", id, "error", serr)
		}
		return outcomeDropped
	}
	d.metrics.LinksDispatched.WithLabelValues("published").Inc()
	return outcomePublished
}
