package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

type fakePublisher struct {
	mu        sync.Mutex
	events    []kafka.Event
	err       error
	onPublish func()
}

func (p *fakePublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPublish != nil {
		p.onPublish()
	}
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func seededStore(t *testing.T) (*store.Store, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s := store.New(client, time.Hour, metrics.NewNop())
	payload, err := store.ParsePayload(`{"companies":[{"name":"Acme","links":{"deck":{"link":"http://d","password":"pw"}},"socials":{"x":"http://x"}}]}`)
	require.NoError(t, err)
	ids := s.Save(context.Background(), "c1", payload)
	require.Len(t, ids, 1)
	return s, mr, ids[0]
}

func TestDispatchOnce_PublishesAndMarksInProgress(t *testing.T) {
	s, _, companyID := seededStore(t)
	pub := &fakePublisher{}
	m := metrics.NewNop()
	d := New(s, pub, time.Minute, 10, m)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.events, 2)

	for _, e := range pub.events {
		task := e.Value.(LinkTask)
		assert.Equal(t, companyID, e.Key)
		assert.Equal(t, companyID, task.CompanyID)
		link, err := s.GetLink(context.Background(), task.LinkID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusInProgress, link.Status)
		if task.Type == "deck" {
			assert.Equal(t, "pw", task.Password)
		}
	}

	pending, err := s.PendingLinkIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinksDispatched.WithLabelValues("published")))

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchOnce_PublishFailureMarksFailed(t *testing.T) {
	s, _, companyID := seededStore(t)
	d := New(s, &fakePublisher{err: errors.New("broker down")}, time.Minute, 10, metrics.NewNop())

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	links, err := s.Links(context.Background(), companyID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, l := range links {
		assert.Equal(t, store.StatusFailed, l.Status)
	}
}

func TestDispatchOnce_SkipsExpiredLinks(t *testing.T) {
	s, mr, companyID := seededStore(t)
	linkIDs, err := s.LinkIDs(context.Background(), companyID)
	require.NoError(t, err)
	mr.Del("link:" + linkIDs[0])

	m := metrics.NewNop()
	pub := &fakePublisher{}
	n, err := New(s, pub, time.Minute, 10, m).DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinksDispatched.WithLabelValues("missing")))
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s, _, _ := seededStore(t)
	pub := &fakePublisher{}
	d := New(s, pub, 10*time.Millisecond, 1, metrics.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestDispatchOnce_CancelReleasesRestOfBatch(t *testing.T) {
	s, _, _ := seededStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &fakePublisher{onPublish: cancel}
	m := metrics.NewNop()

	n, err := New(s, pub, time.Minute, 10, m).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.PendingLinkIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	link, err := s.GetLink(context.Background(), pending[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, link.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinksDispatched.WithLabelValues("released")))
}

type flakyStore struct {
	*store.Store
	failID string
}

func (f flakyStore) GetLink(ctx context.Context, id string) (*store.Link, error) {
	if id == f.failID {
		return nil, errors.New("connection reset")
	}
	return f.Store.GetLink(ctx, id)
}

func TestDispatchOnce_TransientLoadErrorReleases(t *testing.T) {
	s, _, companyID := seededStore(t)
	linkIDs, err := s.LinkIDs(context.Background(), companyID)
	require.NoError(t, err)
	require.Len(t, linkIDs, 2)

	pub := &fakePublisher{}
	n, err := New(flakyStore{Store: s, failID: linkIDs[0]}, pub, time.Minute, 10, metrics.NewNop()).
		DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.PendingLinkIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{linkIDs[0]}, pending)

	n, err = New(s, pub, time.Minute, 10, metrics.NewNop()).DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, pub.count())
}
