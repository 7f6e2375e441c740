package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-rpg/chronicle/pkg/db"
	"github.com/chronicle-rpg/chronicle/pkg/transcription"
)

type stubTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) TranscribeFile(ctx context.Context, path, sessionID string) (*transcription.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &transcription.Result{Text: s.text, SessionID: sessionID}, nil
}

type recordingNotifier struct {
	mu             sync.Mutex
	statuses       []string
	errs           []string
	transcriptions []Transcription
}

func (n *recordingNotifier) NotifyStatus(sessionID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, message)
}

func (n *recordingNotifier) NotifyError(sessionID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, message)
}

func (n *recordingNotifier) NotifyTranscription(sessionID string, t Transcription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transcriptions = append(n.transcriptions, t)
}

func newTestSession(t *testing.T, transcriber Transcriber) (*Session, *db.Store) {
	t.Helper()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "chronicle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	chunkDir := t.TempDir()
	transcriptDir := t.TempDir()
	s := New(log.New(os.Stdout), store, transcriber, "s1", chunkDir, transcriptDir)
	s.Begin()
	return s, store
}

func TestSession_AddChunk(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{text: "hello"})

	chunk, err := s.AddChunk(0, []byte("audio-bytes"))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, 0, chunk.ID)
	assert.Equal(t, int64(len("audio-bytes")), chunk.Size)
	assert.Equal(t, 0, s.LastChunkID())

	info, err := os.Stat(chunk.Path)
	require.NoError(t, err)
	assert.Equal(t, chunk.Size, info.Size())
}

func TestSession_AddChunkEmptyPayload(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{})

	chunk, err := s.AddChunk(0, nil)
	require.NoError(t, err)
	assert.Nil(t, chunk)
	assert.Equal(t, -1, s.LastChunkID(), "empty chunk must not advance lastChunkId")
}

func TestSession_AddChunkDuplicate(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{})

	first, err := s.AddChunk(0, []byte("audio"))
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := s.AddChunk(0, []byte("audio-again"))
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Equal(t, 0, s.LastChunkID())
}

func TestSession_AddChunkAfterFinalizeRejected(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{text: "x"})

	_, err := s.Finalize(context.Background())
	require.NoError(t, err)

	chunk, err := s.AddChunk(1, []byte("late"))
	assert.Nil(t, chunk)
	assert.ErrorIs(t, err, ErrNotAcceptingData)
}

func TestSession_TranscribeChunkNotifiesClient(t *testing.T) {
	transcriber := &stubTranscriber{text: "Bruce picks up a glowing sword"}
	s, _ := newTestSession(t, transcriber)
	notifier := &recordingNotifier{}
	s.Attach(notifier)

	chunk, err := s.AddChunk(0, []byte("audio"))
	require.NoError(t, err)

	got := s.TranscribeChunk(context.Background(), chunk)
	require.NotNil(t, got)
	assert.Equal(t, "Bruce picks up a glowing sword", got.Text)
	assert.Equal(t, 0, got.ChunkID)

	notifier.mu.Lock()
	require.Len(t, notifier.transcriptions, 1)
	assert.Equal(t, 0, notifier.transcriptions[0].ChunkID)
	notifier.mu.Unlock()
}

func TestSession_TranscribeChunkFailureLeavesGap(t *testing.T) {
	transcriber := &stubTranscriber{err: errors.New("upstream down")}
	s, _ := newTestSession(t, transcriber)

	chunk, err := s.AddChunk(0, []byte("audio"))
	require.NoError(t, err)

	got := s.TranscribeChunk(context.Background(), chunk)
	assert.Nil(t, got)
	assert.Equal(t, StatusRecording, s.Status(), "a failed chunk must not abort the session")
}

func TestSession_FinalizeDrainsPendingChunks(t *testing.T) {
	transcriber := &stubTranscriber{text: "words"}
	s, store := newTestSession(t, transcriber)

	for i := 0; i < 3; i++ {
		_, err := s.AddChunk(i, []byte("audio"))
		require.NoError(t, err)
	}

	result, err := s.Finalize(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Transcriptions, 3)
	for i, tr := range result.Transcriptions {
		assert.Equal(t, i, tr.ChunkID)
	}
	assert.Equal(t, StatusCompleted, s.Status())

	recs, err := store.GetTranscriptions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestSession_FinalizeIsIdempotent(t *testing.T) {
	transcriber := &stubTranscriber{text: "words"}
	s, store := newTestSession(t, transcriber)

	_, err := s.AddChunk(0, []byte("audio"))
	require.NoError(t, err)

	first, err := s.Finalize(context.Background())
	require.NoError(t, err)
	callsAfterFirst := transcriber.calls

	second, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, transcriber.calls, "second finalize must not re-transcribe")

	recs, err := store.GetTranscriptions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "second finalize must not duplicate persisted entries")
}

func TestSession_FinalizeWritesTranscriptFile(t *testing.T) {
	transcriber := &stubTranscriber{text: "the party enters the cave"}
	s, _ := newTestSession(t, transcriber)

	_, err := s.AddChunk(0, []byte("audio"))
	require.NoError(t, err)
	_, err = s.Finalize(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(s.transcriptPath)
	require.NoError(t, err)

	var file TranscriptFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, "s1", file.SessionID)
	require.Len(t, file.Transcriptions, 1)
	assert.Equal(t, "the party enters the cave", file.Transcriptions[0].Text)
}

func TestSession_NotificationsWithoutConnection(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{})

	// Must not panic with no attached connection.
	s.SendStatus("initialized")
	s.SendError("boom")
}

func TestSession_EncoderFailedEscalates(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{})
	notifier := &recordingNotifier{}
	s.Attach(notifier)

	s.EncoderFailed("s1", errors.New("device unplugged"))

	assert.Equal(t, StatusError, s.Status())
	notifier.mu.Lock()
	require.Len(t, notifier.errs, 1)
	assert.Contains(t, notifier.errs[0], "device unplugged")
	notifier.mu.Unlock()
}

func TestSession_ConcurrentFinalizeDrainsOnce(t *testing.T) {
	stub := &stubTranscriber{text: "hello"}
	s, store := newTestSession(t, stub)

	for i := 0; i < 5; i++ {
		chunk, err := s.AddChunk(i, []byte("audio"))
		require.NoError(t, err)
		require.NotNil(t, chunk)
	}

	// The gateway's stop path and the idle sweeper can finalize the same
	// session at once; each chunk must still be transcribed exactly once
	// and both callers must see the same result.
	var wg sync.WaitGroup
	results := make([]*FinalResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Finalize(context.Background())
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	stub.mu.Lock()
	assert.Equal(t, 5, stub.calls, "each chunk transcribed exactly once")
	stub.mu.Unlock()

	for _, result := range results {
		require.NotNil(t, result)
		require.Len(t, result.Transcriptions, 5)
		seen := make(map[int]bool)
		for _, tr := range result.Transcriptions {
			assert.False(t, seen[tr.ChunkID], "chunk %d appears twice", tr.ChunkID)
			seen[tr.ChunkID] = true
		}
	}

	recs, err := store.GetTranscriptions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestSession_FinalizeAfterEncoderFailure(t *testing.T) {
	stub := &stubTranscriber{text: "hello"}
	s, _ := newTestSession(t, stub)

	s.EncoderFailed("s1", errors.New("device unplugged"))

	// Error is terminal: finalize must not resurrect the session.
	result, err := s.Finalize(context.Background())
	assert.Nil(t, result)
	require.ErrorIs(t, err, ErrSessionFailed)
	assert.Equal(t, StatusError, s.Status())
}

func TestSession_BeginStopTransition(t *testing.T) {
	s, _ := newTestSession(t, &stubTranscriber{text: "hello"})

	s.BeginStop()
	assert.Equal(t, StatusStopping, s.Status())

	_, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status())
}
