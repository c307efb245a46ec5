package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	store.Record(ctx, KindAccessDenied, "/proxy/a/doc.txt", "Test.Signature", "open denied")
	time.Sleep(time.Millisecond) // distinct created_at ordering
	store.Record(ctx, KindScanFailure, "/proxy/a/other.bin", "", "engine timeout")

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, KindScanFailure, got[0].Kind)
	assert.Equal(t, "/proxy/a/other.bin", got[0].Path)

	assert.Equal(t, KindAccessDenied, got[1].Kind)
	assert.Equal(t, "/proxy/a/doc.txt", got[1].Path)
	assert.Equal(t, "Test.Signature", got[1].Signature)
	assert.NotEmpty(t, got[1].ID)
	assert.WithinDuration(t, time.Now(), got[1].Time, time.Minute)
}

func TestRecentLimit(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Record(ctx, KindAccessDenied, "/proxy/file", "Sig", "")
	}

	got, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCountByKind(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	store.Record(ctx, KindAccessDenied, "/a", "S1", "")
	store.Record(ctx, KindAccessDenied, "/b", "S2", "")
	store.Record(ctx, KindWriteRejected, "/c", "S3", "")

	denied, err := store.CountByKind(ctx, KindAccessDenied)
	require.NoError(t, err)
	assert.Equal(t, 2, denied)

	rejected, err := store.CountByKind(ctx, KindWriteRejected)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)

	failures, err := store.CountByKind(ctx, KindScanFailure)
	require.NoError(t, err)
	assert.Equal(t, 0, failures)
}
