package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/postgres"
)

var recordColumns = []string{"id", "chat_id", "name", "summary", "funding", "links", "created_at"}

func newMockArchive(t *testing.T) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(postgres.NewWithDB(db)), mock
}

func TestMigrate(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS company_archive").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS company_archive_chat_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, a.Migrate(context.Background()))
}

func TestMigrate_RollsBack(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	assert.ErrorContains(t, a.Migrate(context.Background()), "permission denied")
}

func TestArchive_InsertsWithoutCredentials(t *testing.T) {
	a, mock := newMockArchive(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := store.ArchivedCompany{
		Company: store.Company{ID: "c1", ChatID: "42", Name: "Acme", Summary: "x", CreatedAt: created},
		Links: []store.Link{
			{ID: "l1", Type: "deck", URL: "http://d", Password: "secret"},
		},
	}
	mock.ExpectExec("INSERT INTO company_archive").
		WithArgs("c1", "42", "Acme", "x", "{}", `[{"id":"l1","type":"deck","url":"http://d"}]`, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.Archive(context.Background(), rec))
}

func TestArchive_Error(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec("INSERT INTO company_archive").WillReturnError(errors.New("connection reset"))

	err := a.Archive(context.Background(), store.ArchivedCompany{Company: store.Company{ID: "c1"}})
	assert.ErrorContains(t, err, "connection reset")
}

func TestGet(t *testing.T) {
	a, mock := newMockArchive(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .+ FROM company_archive WHERE id = \\$1").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("c1", "42", "Acme", "x", []byte(`{"round":"A"}`), []byte(`[{"id":"l1","type":"deck","url":"http://d"}]`), now))

	rec, err := a.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.Name)
	assert.JSONEq(t, `{"round":"A"}`, string(rec.Funding))
	assert.Equal(t, []ArchivedLink{{ID: "l1", Type: "deck", URL: "http://d"}}, rec.Links)
}

func TestGet_NotFound(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectQuery("SELECT .+ FROM company_archive").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := a.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListByChat(t *testing.T) {
	a, mock := newMockArchive(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .+ FROM company_archive WHERE chat_id = \\$1 ORDER BY created_at DESC LIMIT \\$2").
		WithArgs("42", 20).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("c2", "42", "Beta", "", []byte(`{}`), []byte(`[]`), now).
			AddRow("c1", "42", "Acme", "", []byte(`{}`), []byte(`[]`), now.Add(-time.Hour)))

	recs, err := a.ListByChat(context.Background(), "42", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c2", recs[0].ID)
	assert.Equal(t, json.RawMessage(`{}`), recs[1].Funding)
}
