// Package archive keeps a durable copy of every stored company in Postgres
// so extraction history outlives the Redis TTL.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS company_archive (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	funding    JSONB NOT NULL DEFAULT '{}',
	links      JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL
)`

const chatIndex = `CREATE INDEX IF NOT EXISTS company_archive_chat_idx ON company_archive (chat_id, created_at DESC)`

// ArchivedLink is a link as archived. Credentials are never archived.
type ArchivedLink struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Record is one archived company.
type Record struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	Name      string          `json:"name"`
	Summary   string          `json:"summary"`
	Funding   json.RawMessage `json:"funding"`
	Links     []ArchivedLink  `json:"links"`
	CreatedAt time.Time       `json:"created_at"`
}

// Archive writes companies to the company_archive table. It satisfies
// store.Archiver.
type Archive struct {
	client *postgres.Client
	logger *slog.Logger
}

func New(client *postgres.Client) *Archive {
	return &Archive{
		client: client,
		logger: slog.Default().With("component", "archive"),
	}
}

// Migrate creates the archive table and its index if missing.
func (a *Archive) Migrate(ctx context.Context) error {
	return a.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating company_archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, chatIndex); err != nil {
			return fmt.Errorf("creating company_archive index: %w", err)
		}
		return nil
	})
}

// Archive inserts rec. Re-archiving an id is a no-op.
func (a *Archive) Archive(ctx context.Context, rec store.ArchivedCompany) error {
	links := make([]ArchivedLink, 0, len(rec.Links))
	for _, l := range rec.Links {
		links = append(links, ArchivedLink{ID: l.ID, Type: l.Type, URL: l.URL})
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encoding links: %w", err)
	}
	funding := rec.Company.Funding
	if len(funding) == 0 {
		funding = json.RawMessage(`{}`)
	}

	_, err = a.client.DB.ExecContext(ctx,
		`INSERT INTO company_archive (id, chat_id, name, summary, funding, links, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		rec.Company.ID, rec.Company.ChatID, rec.Company.Name, rec.Company.Summary,
		string(funding), string(linksJSON), rec.Company.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving company %s: %w", rec.Company.ID, err)
	}
	a.logger.Debug("company archived", "company_id", rec.Company.ID, "links", len(links))
	return nil
}

const selectColumns = `id, chat_id, name, summary, funding, links, created_at`

// Get loads one archived company.
func (a *Archive) Get(ctx context.Context, id string) (*Record, error) {
	row := a.client.DB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM company_archive WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archived company %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByChat returns the newest archived companies of a conversation.
func (a *Archive) ListByChat(ctx context.Context, chatID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := a.client.DB.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM company_archive WHERE chat_id = $1 ORDER BY created_at DESC LIMIT $2`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archive for %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec          Record
		funding, lnk []byte
	)
	if err := s.Scan(&rec.ID, &rec.ChatID, &rec.Name, &rec.Summary, &funding, &lnk, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning archived company: %w", err)
	}
	rec.Funding = json.RawMessage(funding)
	if len(lnk) > 0 {
		if err := json.Unmarshal(lnk, &rec.Links); err != nil {
			return nil, fmt.Errorf("decoding archived links of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
