// Package integration contains tests that run components against real
// infrastructure. They skip when the dependency is unavailable.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "relay_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "relay"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func skipIfNoRedis(t *testing.T) *pkgredis.Client {
	t.Helper()
	client, err := pkgredis.NewClient(config.RedisConfig{
		Addr:     envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:       envOrDefaultInt("TEST_REDIS_DB", 15),
		PoolSize: 4,
	})
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestArchive_RoundTrip(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	arch := archive.New(db)
	require.NoError(t, arch.Migrate(ctx))
	require.NoError(t, arch.Migrate(ctx), "migrate is idempotent")

	chatID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	rec := store.ArchivedCompany{
		Company: store.Company{
			ID:        chatID + "-c1",
			ChatID:    chatID,
			Name:      "Acme",
			Summary:   "Rockets",
			Funding:   json.RawMessage(`{"round":"Seed"}`),
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		},
		Links: []store.Link{{ID: chatID + "-l1", Type: "deck", URL: "http://deck", Password: "pw"}},
	}
	require.NoError(t, arch.Archive(ctx, rec))
	require.NoError(t, arch.Archive(ctx, rec), "re-archiving is a no-op")

	got, err := arch.Get(ctx, rec.Company.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.JSONEq(t, `{"round":"Seed"}`, string(got.Funding))
	assert.Equal(t, []archive.ArchivedLink{{ID: chatID + "-l1", Type: "deck", URL: "http://deck"}}, got.Links)

	list, err := arch.ListByChat(ctx, chatID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = arch.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_ArchivesToPostgres(t *testing.T) {
	db := skipIfNoPostgres(t)
	client := skipIfNoRedis(t)
	ctx := context.Background()
	arch := archive.New(db)
	require.NoError(t, arch.Migrate(ctx))

	s := store.New(client, time.Minute, metrics.NewNop(), store.WithArchiver(arch))
	payload, err := store.ParsePayload(`{"companies":[{"name":"Beta","links":{"site":{"link":"http://beta"}}}]}`)
	require.NoError(t, err)
	chatID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	ids := s.Save(ctx, chatID, payload)
	require.Len(t, ids, 1)

	got, err := arch.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, chatID, got.ChatID)
	assert.Len(t, got.Links, 1)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
