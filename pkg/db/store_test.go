package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "chronicle.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

func TestStore_UpsertSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{
		ID:          "session-1700000000000",
		Status:      "recording",
		StartedAt:   time.Now().UTC(),
		LastChunkID: -1,
	}
	require.NoError(t, store.UpsertSession(ctx, rec))

	rec.Status = "completed"
	rec.LastChunkID = 3
	rec.TotalSize = 16000
	require.NoError(t, store.UpsertSession(ctx, rec))

	got, err := store.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 3, got.LastChunkID)
	assert.Equal(t, int64(16000), got.TotalSize)
}

func TestStore_SaveTranscriptionIgnoresDuplicateChunkKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := TranscriptionRecord{SessionID: "s1", ChunkID: 0, Text: "first"}
	require.NoError(t, store.SaveTranscription(ctx, rec))

	rec.Text = "second"
	require.NoError(t, store.SaveTranscription(ctx, rec))

	recs, err := store.GetTranscriptions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "first", recs[0].Text)
}

func TestStore_TranscriptionsOrderedByChunkID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, chunkID := range []int{2, 0, 1} {
		require.NoError(t, store.SaveTranscription(ctx, TranscriptionRecord{
			SessionID: "s1", ChunkID: chunkID, Text: "chunk",
		}))
	}

	recs, err := store.GetTranscriptions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i, rec.ChunkID)
	}
}

func TestStore_ProcessedTextMarkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processed, err := store.IsTextProcessed(ctx, "s1", "abc123")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkTextProcessed(ctx, "s1", "abc123"))
	// Marking twice must not fail.
	require.NoError(t, store.MarkTextProcessed(ctx, "s1", "abc123"))

	processed, err = store.IsTextProcessed(ctx, "s1", "abc123")
	require.NoError(t, err)
	assert.True(t, processed)

	// Markers are scoped per session.
	processed, err = store.IsTextProcessed(ctx, "s2", "abc123")
	require.NoError(t, err)
	assert.False(t, processed)
}
