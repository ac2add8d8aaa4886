// Package store keeps extracted companies and their link sub-records in Redis
// under a fixed TTL. Every Save mints fresh identifiers; nothing is
// deduplicated across calls.
//
// Key layout:
//
//	company:<id>            hash  name, summary, funding, chat_id, created_at, processing_status
//	company:<id>:link_ids   set   ids of the company's links
//	link:<id>               hash  id, type, url, password, company_id, processing_status, last_updated
//	links:pending           set   link ids waiting for out-of-band processing
//
// Writes for one company are not transactional. Readers treat a link id
// whose hash is missing as not yet available.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

const (
	companyPrefix   = "company:"
	linkPrefix      = "link:"
	pendingLinksKey = "links:pending"
	maxIDAttempts   = 3
)

func companyKey(id string) string      { return companyPrefix + id }
func companyLinksKey(id string) string { return companyPrefix + id + ":link_ids" }
func linkKey(id string) string         { return linkPrefix + id }

// Store persists extraction results.
type Store struct {
	client   *pkgredis.Client
	ttl      time.Duration
	archiver Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() (string, error)
}

// Option customises a Store.
type Option func(*Store)

// WithArchiver hands every fully written company to a.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDSource overrides id generation.
func WithIDSource(fn func() (string, error)) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates a Store writing keys with the given TTL.
func New(client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics, opts ...Option) *Store {
	s := &Store{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "store"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes every company of payload together with its merged links and
// returns the new company ids. It never fails: a payload without a
// companies section, or a storage fault, yields an empty slice.
func (s *Store) Save(ctx context.Context, conversationID string, payload *ExtractionPayload) []string {
	if payload == nil || !payload.HasCompanies {
		s.logger.Debug("payload has no companies section", "conversation_id", conversationID)
		return []string{}
	}
	ids := make([]string, 0, len(payload.Companies))
	for _, c := range payload.Companies {
		id, err := s.saveCompany(ctx, conversationID, c)
		if err != nil {
			s.metrics.StoreFaults.Inc()
			s.logger.Error("storing company data failed",
				"conversation_id", conversationID,
				"company", c.Name,
				"saved_before_fault", len(ids),
				"error", err,
			)
			return []string{}
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) saveCompany(ctx context.Context, conversationID string, in CompanyInput) (string, error) {
	id, err := s.mintID(ctx, companyPrefix)
	if err != nil {
		return "", err
	}
	company := Company{
		ID:        id,
		Name:      in.Name,
		Summary:   in.Summary,
		Funding:   json.RawMessage(in.FundingJSON()),
		ChatID:    conversationID,
		CreatedAt: s.now(),
		Status:    StatusPending,
	}
	if err := s.client.WriteHash(ctx, companyKey(id), companyFields(company), s.ttl); err != nil {
		return "", err
	}
	s.metrics.CompaniesSaved.Inc()
	s.logger.Debug("company stored", "company_id", id, "name", in.Name)

	subs := in.SubRecords()
	links := make([]Link, 0, len(subs))
	for _, sub := range subs {
		link, err := s.saveLink(ctx, id, sub)
		if err != nil {
			return "", fmt.Errorf("company %s: %w", id, err)
		}
		links = append(links, link)
	}
	s.logger.Info("company stored with links", "company_id", id, "links", len(links))

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, ArchivedCompany{Company: company, Links: links}); err != nil {
			s.logger.Warn("archiving company failed", "company_id", id, "error", err)
		}
	}
	return id, nil
}

func (s *Store) saveLink(ctx context.Context, companyID string, sub SubRecord) (Link, error) {
	id, err := s.mintID(ctx, linkPrefix)
	if err != nil {
		return Link{}, err
	}
	link := Link{
		ID:          id,
		Type:        sub.Type,
		URL:         sub.URL,
		Password:    sub.Credential,
		CompanyID:   companyID,
		Status:      StatusPending,
		LastUpdated: s.now(),
	}
	if err := s.client.WriteHash(ctx, linkKey(id), linkFields(link), s.ttl); err != nil {
		return Link{}, err
	}
	if err := s.client.AddToSet(ctx, companyLinksKey(companyID), s.ttl, id); err != nil {
		return Link{}, err
	}
	if err := s.client.AddToSet(ctx, pendingLinksKey, s.ttl, id); err != nil {
		return Link{}, err
	}
	s.metrics.LinksSaved.Inc()
	s.logger.Debug("link stored", "link_id", id, "type", sub.Type, "kind", string(sub.Kind))
	return link, nil
}

// mintID draws ids until one is not already live under prefix.
func (s *Store) mintID(ctx context.Context, prefix string) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return "", err
		}
		taken, err := s.client.Exists(ctx, prefix+id)
		if err != nil {
			return "", fmt.Errorf("checking id %s: %w", id, err)
		}
		if !taken {
			return id, nil
		}
		s.logger.Warn("id collision, drawing again", "prefix", prefix, "id", id)
	}
	return "", fmt.Errorf("%w after %d attempts", apperrors.ErrIDExhausted, maxIDAttempts)
}

// GetCompany loads a company by id.
func (s *Store) GetCompany(ctx context.Context, id string) (*Company, error) {
	fields, err := s.client.ReadHash(ctx, companyKey(id))
	if err != nil {
		return nil, notFound(err, "company", id)
	}
	c := &Company{
		ID:      id,
		Name:    fields["name"],
		Summary: fields["summary"],
		Funding: json.RawMessage(fields["funding"]),
		ChatID:  fields["chat_id"],
		Status:  Status(fields["processing_status"]),
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	return c, nil
}

// GetLink loads a link by id.
func (s *Store) GetLink(ctx context.Context, id string) (*Link, error) {
	fields, err := s.client.ReadHash(ctx, linkKey(id))
	if err != nil {
		return nil, notFound(err, "link", id)
	}
	l := &Link{
		ID:        fields["id"],
		Type:      fields["type"],
		URL:       fields["url"],
		Password:  fields["password"],
		CompanyID: fields["company_id"],
		Status:    Status(fields["processing_status"]),
	}
	l.LastUpdated, _ = time.Parse(time.RFC3339Nano, fields["last_updated"])
	return l, nil
}

// LinkIDs returns the ids of a company's links.
func (s *Store) LinkIDs(ctx context.Context, companyID string) ([]string, error) {
	ids, err := s.client.Members(ctx, companyLinksKey(companyID))
	if err != nil {
		return nil, fmt.Errorf("listing links of %s: %w", companyID, err)
	}
	return ids, nil
}

// Links returns the company's links that are still readable. Ids whose hash
// is missing are skipped.
func (s *Store) Links(ctx context.Context, companyID string) ([]Link, error) {
	ids, err := s.LinkIDs(ctx, companyID)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(ids))
	for _, id := range ids {
		l, err := s.GetLink(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		links = append(links, *l)
	}
	return links, nil
}

// PendingLinkIDs returns every id in the pending-work set.
func (s *Store) PendingLinkIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.Members(ctx, pendingLinksKey)
	if err != nil {
		return nil, fmt.Errorf("listing pending links: %w", err)
	}
	return ids, nil
}

// IsPending reports whether a link id is in the pending-work set.
func (s *Store) IsPending(ctx context.Context, linkID string) (bool, error) {
	return s.client.IsMember(ctx, pendingLinksKey, linkID)
}

// ClaimPending atomically removes up to n ids from the pending-work set and
// returns them. Each id is handed to exactly one caller.
func (s *Store) ClaimPending(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.PopMembers(ctx, pendingLinksKey, int64(n))
	if err != nil {
		return nil, fmt.Errorf("claiming pending links: %w", err)
	}
	return ids, nil
}

// ReleasePending puts claimed ids back into the pending-work set so a later
// claim picks them up again.
func (s *Store) ReleasePending(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.AddToSet(ctx, pendingLinksKey, s.ttl, ids...); err != nil {
		return fmt.Errorf("releasing %d pending links: %w", len(ids), err)
	}
	return nil
}

// SetLinkStatus moves a link to next, refreshing last_updated.
func (s *Store) SetLinkStatus(ctx context.Context, id string, next Status) error {
	link, err := s.GetLink(ctx, id)
	if err != nil {
		return err
	}
	if !link.Status.CanTransition(next) {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "link %s cannot move from %s to %s", id, link.Status, next)
	}
	err = s.client.SetHashField(ctx, linkKey(id), map[string]any{
		"processing_status": string(next),
		"last_updated":      s.now().Format(time.RFC3339Nano),
	})
	return notFound(err, "link", id)
}

// SetCompanyStatus moves a company to next.
func (s *Store) SetCompanyStatus(ctx context.Context, id string, next Status) error {
	company, err := s.GetCompany(ctx, id)
	if err != nil {
		return err
	}
	if !company.Status.CanTransition(next) {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "company %s cannot move from %s to %s", id, company.Status, next)
	}
	err = s.client.SetHashField(ctx, companyKey(id), map[string]any{"processing_status": string(next)})
	return notFound(err, "company", id)
}

func companyFields(c Company) map[string]any {
	return map[string]any{
		"name":              c.Name,
		"summary":           c.Summary,
		"funding":           string(c.Funding),
		"chat_id":           c.ChatID,
		"created_at":        c.CreatedAt.Format(time.RFC3339Nano),
		"processing_status": string(c.Status),
	}
}

func linkFields(l Link) map[string]any {
	return map[string]any{
		"id":                l.ID,
		"type":              l.Type,
		"url":               l.URL,
		"password":          l.Password,
		"company_id":        l.CompanyID,
		"processing_status": string(l.Status),
		"last_updated":      l.LastUpdated.Format(time.RFC3339Nano),
	}
}

// notFound maps a redis nil to ErrNotFound and passes other errors through.
func notFound(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if pkgredis.IsNilError(err) {
		return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("reading %s %s: %w", kind, id, err)
}
