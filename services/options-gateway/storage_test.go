package main

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIdempotencyLookupUnknownKeyReturnsNil(t *testing.T) {
	store := newTestStore(t)

	record, err := store.LookupIdempotency(context.Background(), "wallet-1", "missing", "hash")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestIdempotencyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	saved := IdempotencyRecord{
		Principal:   "wallet-1",
		Key:         "dep-1",
		RequestHash: hashRequest(http.MethodPost, "/v1/options/deposit", []byte(`{"id":1}`)),
		StatusCode:  http.StatusOK,
		Body:        []byte(`{"id":1}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, store.SaveIdempotency(ctx, saved))

	loaded, err := store.LookupIdempotency(ctx, "wallet-1", "dep-1", saved.RequestHash)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, http.StatusOK, loaded.StatusCode)
	require.JSONEq(t, `{"id":1}`, string(loaded.Body))
}

func TestIdempotencyHashMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveIdempotency(ctx, IdempotencyRecord{
		Principal:   "wallet-1",
		Key:         "dep-1",
		RequestHash: "hash-a",
		StatusCode:  http.StatusOK,
		Body:        []byte(`{}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	_, err := store.LookupIdempotency(ctx, "wallet-1", "dep-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestIdempotencyExpiredRowsEvicted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveIdempotency(ctx, IdempotencyRecord{
		Principal:   "wallet-1",
		Key:         "stale",
		RequestHash: "hash-a",
		StatusCode:  http.StatusOK,
		Body:        []byte(`{}`),
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}))

	record, err := store.LookupIdempotency(ctx, "wallet-1", "stale", "hash-a")
	require.NoError(t, err)
	require.Nil(t, record)

	// The expired row was evicted, so a different hash no longer conflicts.
	record, err = store.LookupIdempotency(ctx, "wallet-1", "stale", "hash-b")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestAppendAuditAccumulatesPerPrincipal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendAudit(ctx, AuditEntry{
			CreatedAt:  now,
			Principal:  "wallet-1",
			Method:     http.MethodPost,
			Path:       "/v1/options/deposit",
			StatusCode: http.StatusOK,
		}))
	}

	count, err := store.AuditCount(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	other, err := store.AuditCount(ctx, "wallet-2")
	require.NoError(t, err)
	require.Zero(t, other)
}

func TestHashRequestBindsMethodPathAndBody(t *testing.T) {
	base := hashRequest(http.MethodPost, "/v1/options/deposit", []byte(`{"id":1}`))
	require.NotEqual(t, base, hashRequest(http.MethodPost, "/v1/options/close", []byte(`{"id":1}`)))
	require.NotEqual(t, base, hashRequest(http.MethodPost, "/v1/options/deposit", []byte(`{"id":2}`)))
	require.Equal(t, base, hashRequest(http.MethodPost, "/v1/options/deposit", []byte(`{"id":1}`)))
}
