// Package session owns one recording session's lifecycle: chunk
// bookkeeping, transcription accumulation, status transitions, metadata
// persistence and outbound notification formatting.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/chronicle-rpg/chronicle/pkg/config"
	"github.com/chronicle-rpg/chronicle/pkg/db"
	"github.com/chronicle-rpg/chronicle/pkg/transcription"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRecording    Status = "recording"
	StatusStopping     Status = "stopping"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// ErrNotAcceptingData is returned for chunk submissions to a session that
// has already completed or errored.
var ErrNotAcceptingData = errors.New("session not accepting data")

// ErrSessionFailed is returned by Finalize on a session already in the
// error state. Error is terminal; the failure stands.
var ErrSessionFailed = errors.New("session is in error state")

// Chunk is one fixed-duration audio segment persisted to disk.
type Chunk struct {
	ID        int       `json:"chunkId"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcription is one chunk's speech-to-text result.
type Transcription struct {
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	ChunkID    int       `json:"chunkId"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// TranscriptFile is the on-disk shape of <sessionId>-transcription.json.
type TranscriptFile struct {
	SessionID      string          `json:"sessionId"`
	LastUpdated    time.Time       `json:"lastUpdated"`
	Transcriptions []Transcription `json:"transcriptions"`
}

// FinalResult is what Finalize returns to the gateway.
type FinalResult struct {
	SessionID      string          `json:"sessionId"`
	Transcriptions []Transcription `json:"transcriptions"`
	Duration       float64         `json:"duration"`
	Size           int64           `json:"size"`
}

// Transcriber converts one segment file into text. *transcription.Client
// satisfies it.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path, sessionID string) (*transcription.Result, error)
}

// Notifier carries best-effort messages to the attached client connection.
// Implementations must not block indefinitely; errors are swallowed here.
type Notifier interface {
	NotifyStatus(sessionID, message string)
	NotifyError(sessionID, message string)
	NotifyTranscription(sessionID string, t Transcription)
}

// Session is one live recording session. All mutation goes through the
// internal mutex; the gateway serializes chunk arrivals per connection and
// the encoder callback takes the same lock, so the chunk map is never
// mutated concurrently.
type Session struct {
	logger      *log.Logger
	store       *db.Store
	transcriber Transcriber

	id             string
	chunkDir       string
	transcriptPath string

	// finalizeMu serializes Finalize: the gateway's stop/end/close paths
	// and the idle sweeper may race, and the second caller must wait for
	// and return the first caller's result instead of draining the same
	// chunks again. Always acquired before mu.
	finalizeMu sync.Mutex

	mu             sync.Mutex
	status         Status
	startTime      time.Time
	lastActivity   time.Time
	lastChunkID    int
	totalDuration  float64
	totalSize      int64
	transcriptions []Transcription
	processedKeys  map[string]struct{}
	pendingChunks  map[int]*Chunk
	notifier       Notifier
	finalized      bool
	finalResult    *FinalResult
}

func New(logger *log.Logger, store *db.Store, transcriber Transcriber, id, chunkDir, transcriptDir string) *Session {
	now := time.Now()
	return &Session{
		logger:         logger.With("sessionId", id),
		store:          store,
		transcriber:    transcriber,
		id:             id,
		chunkDir:       chunkDir,
		transcriptPath: filepath.Join(transcriptDir, id+"-transcription.json"),
		status:         StatusInitializing,
		startTime:      now,
		lastActivity:   now,
		lastChunkID:    -1,
		processedKeys:  make(map[string]struct{}),
		pendingChunks:  make(map[int]*Chunk),
	}
}

// Attach binds the client connection used for outbound notifications.
func (s *Session) Attach(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Begin transitions the session from initializing to recording.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusInitializing {
		s.status = StatusRecording
	}
}

// BeginStop marks the session as stopping while capture winds down and the
// remaining chunks drain; Finalize takes it to transcribing from there.
func (s *Session) BeginStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRecording {
		s.status = StatusStopping
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) StartTime() time.Time { return s.startTime }

func (s *Session) LastChunkID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkID
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AddChunk persists one raw audio chunk. It returns nil (and logs) when the
// chunk is empty, a duplicate, or fails to persist; callers must treat nil
// as "skip, do not transcribe". A session past its terminal transition
// rejects the submission outright.
func (s *Session) AddChunk(chunkID int, data []byte) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusCompleted || s.status == StatusError {
		return nil, ErrNotAcceptingData
	}

	if len(data) == 0 {
		s.logger.Warn("Dropping empty chunk", "chunkId", chunkID)
		return nil, nil
	}

	key := chunkKey(s.id, chunkID)
	if _, dup := s.processedKeys[key]; dup {
		s.logger.Warn("Dropping duplicate chunk", "chunkId", chunkID)
		return nil, nil
	}

	path := filepath.Join(s.chunkDir, fmt.Sprintf("chunk-%06d.webm", chunkID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("Failed to persist chunk", "chunkId", chunkID, "error", err)
		return nil, nil
	}

	chunk := &Chunk{
		ID:        chunkID,
		Path:      path,
		Size:      int64(len(data)),
		Timestamp: time.Now(),
	}

	s.processedKeys[key] = struct{}{}
	s.pendingChunks[chunkID] = chunk
	if chunkID > s.lastChunkID {
		s.lastChunkID = chunkID
	}
	s.totalSize += chunk.Size
	s.totalDuration += config.ChunkDuration.Seconds()
	s.lastActivity = chunk.Timestamp

	s.logger.Debug("Chunk recorded", "chunkId", chunkID, "size", chunk.Size)
	return chunk, nil
}

// TranscribeChunk delegates one chunk to the transcription client. On
// failure it returns nil and the session continues with a gap in the
// transcript.
func (s *Session) TranscribeChunk(ctx context.Context, chunk *Chunk) *Transcription {
	if chunk == nil {
		return nil
	}

	result, err := s.transcriber.TranscribeFile(ctx, chunk.Path, s.id)
	if err != nil {
		s.logger.Error("Chunk transcription failed, continuing session",
			"chunkId", chunk.ID, "error", err)
		return nil
	}

	t := Transcription{
		Text:      result.Text,
		Timestamp: result.Timestamp,
		SessionID: s.id,
		ChunkID:   chunk.ID,
	}

	s.mu.Lock()
	s.transcriptions = append(s.transcriptions, t)
	delete(s.pendingChunks, chunk.ID)
	s.lastActivity = time.Now()
	notifier := s.notifier
	s.mu.Unlock()

	// Persist incrementally so the memory watcher can observe transcript
	// text while the session is still recording.
	if err := s.writeTranscriptFile(); err != nil {
		s.logger.Error("Failed to write transcript file", "error", err)
	}

	if notifier != nil {
		notifier.NotifyTranscription(s.id, t)
	}

	return &t
}

// ProcessEncodedChunk registers a segment the server-side encoder already
// wrote to disk, then transcribes it. It implements recorder.ChunkHandler.
func (s *Session) ProcessEncodedChunk(sessionID string, chunkID int, path string) {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Error("Encoded chunk missing on disk", "chunkId", chunkID, "error", err)
		return
	}

	s.mu.Lock()
	if s.status == StatusCompleted || s.status == StatusError {
		s.mu.Unlock()
		s.logger.Warn("Ignoring encoded chunk for finished session", "chunkId", chunkID)
		return
	}
	key := chunkKey(s.id, chunkID)
	if _, dup := s.processedKeys[key]; dup {
		s.mu.Unlock()
		s.logger.Warn("Dropping duplicate encoded chunk", "chunkId", chunkID)
		return
	}
	chunk := &Chunk{ID: chunkID, Path: path, Size: info.Size(), Timestamp: time.Now()}
	s.processedKeys[key] = struct{}{}
	s.pendingChunks[chunkID] = chunk
	if chunkID > s.lastChunkID {
		s.lastChunkID = chunkID
	}
	s.totalSize += chunk.Size
	s.totalDuration += config.ChunkDuration.Seconds()
	s.lastActivity = chunk.Timestamp
	s.mu.Unlock()

	s.TranscribeChunk(context.Background(), chunk)
}

// ChunkComplete satisfies recorder.ChunkHandler.
func (s *Session) ChunkComplete(sessionID string, chunkID int, path string) {
	s.ProcessEncodedChunk(sessionID, chunkID, path)
}

// EncoderFailed satisfies recorder.ChunkHandler: a persistently broken
// capture device escalates the session to the error state.
func (s *Session) EncoderFailed(sessionID string, err error) {
	s.logger.Error("Encoder gave up, session enters error state", "error", err)
	s.mu.Lock()
	s.status = StatusError
	s.mu.Unlock()
	s.SendError("audio capture failed: " + err.Error())
}

// Finalize drains all recorded chunks that have not yet produced a
// transcription, persists the accumulated transcript and session metadata,
// and transitions to completed. It is idempotent: a second call returns the
// same result without duplicating persisted entries. Any persistence error
// transitions the session to the error state, notifies the client, and is
// re-raised to the caller. A session already in the error state is never
// resurrected; Finalize returns ErrSessionFailed and the failure stands.
func (s *Session) Finalize(ctx context.Context) (*FinalResult, error) {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	s.mu.Lock()
	if s.finalized {
		result := s.finalResult
		s.mu.Unlock()
		return result, nil
	}
	if s.status == StatusError {
		s.mu.Unlock()
		return nil, ErrSessionFailed
	}
	s.status = StatusTranscribing
	pending := lo.Filter(lo.Values(s.pendingChunks), func(c *Chunk, _ int) bool {
		return c.ID <= s.lastChunkID
	})
	s.mu.Unlock()

	// Drain in chunk order so transcription order matches chunk order.
	for _, chunk := range sortChunks(pending) {
		s.TranscribeChunk(ctx, chunk)
	}

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		s.SendError("failed to persist session: " + err.Error())
		return nil, errors.Wrap(err, "finalize failed")
	}

	s.mu.Lock()
	s.status = StatusCompleted
	s.finalized = true
	s.finalResult = &FinalResult{
		SessionID:      s.id,
		Transcriptions: append([]Transcription(nil), s.transcriptions...),
		Duration:       s.totalDuration,
		Size:           s.totalSize,
	}
	result := s.finalResult
	s.mu.Unlock()

	s.logger.Info("Session finalized",
		"transcriptions", len(result.Transcriptions),
		"duration", result.Duration, "size", result.Size)
	return result, nil
}

func (s *Session) persist(ctx context.Context) error {
	if err := s.writeTranscriptFile(); err != nil {
		return err
	}

	s.mu.Lock()
	rec := db.SessionRecord{
		ID:            s.id,
		Status:        string(StatusCompleted),
		StartedAt:     s.startTime,
		LastChunkID:   s.lastChunkID,
		TotalDuration: s.totalDuration,
		TotalSize:     s.totalSize,
	}
	transcriptions := append([]Transcription(nil), s.transcriptions...)
	s.mu.Unlock()

	if err := s.store.UpsertSession(ctx, rec); err != nil {
		return err
	}
	for _, t := range transcriptions {
		if err := s.store.SaveTranscription(ctx, db.TranscriptionRecord{
			SessionID: t.SessionID,
			ChunkID:   t.ChunkID,
			Text:      t.Text,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeTranscriptFile() error {
	s.mu.Lock()
	file := TranscriptFile{
		SessionID:      s.id,
		LastUpdated:    time.Now(),
		Transcriptions: append([]Transcription(nil), s.transcriptions...),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal transcript")
	}
	if err := os.MkdirAll(filepath.Dir(s.transcriptPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create transcript directory")
	}
	return errors.Wrap(os.WriteFile(s.transcriptPath, data, 0o644), "failed to write transcript")
}

// SendStatus delivers a best-effort status message to the attached client.
// It is a no-op when no connection is attached.
func (s *Session) SendStatus(message string) {
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.NotifyStatus(s.id, message)
	}
}

// SendError delivers a best-effort error message to the attached client.
func (s *Session) SendError(message string) {
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.NotifyError(s.id, message)
	}
}

func chunkKey(sessionID string, chunkID int) string {
	return fmt.Sprintf("%s:%d", sessionID, chunkID)
}

func sortChunks(chunks []*Chunk) []*Chunk {
	sorted := append([]*Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}
