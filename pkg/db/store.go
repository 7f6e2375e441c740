package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store wraps a SQLite connection holding session metadata, per-chunk
// transcriptions, and the durable processed-text markers that gate the
// memory pipeline across restarts.
//
// 1. The creation method creates the tables if they do not exist.
// 2. Convenience methods for querying data.
// 3. Convenience methods for inserting and updating data.
type Store struct {
	db *sqlx.DB
}

type SessionRecord struct {
	ID            string    `db:"id"`
	Status        string    `db:"status"`
	StartedAt     time.Time `db:"started_at"`
	LastChunkID   int       `db:"last_chunk_id"`
	TotalDuration float64   `db:"total_duration"`
	TotalSize     int64     `db:"total_size"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type TranscriptionRecord struct {
	SessionID  string          `db:"session_id"`
	ChunkID    int             `db:"chunk_id"`
	Text       string          `db:"text"`
	Confidence sql.NullFloat64 `db:"confidence"`
	CreatedAt  time.Time       `db:"created_at"`
}

// NewStore creates a new SQLite-backed store, creating parent directories
// as needed.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to SQLite")
	}

	// Enable WAL mode for better concurrency and performance
	if _, err = db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			last_chunk_id INTEGER NOT NULL DEFAULT -1,
			total_duration REAL NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS transcriptions (
			session_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			confidence REAL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, chunk_id)
		);
		CREATE INDEX IF NOT EXISTS idx_transcriptions_session ON transcriptions(session_id);

		CREATE TABLE IF NOT EXISTS processed_texts (
			session_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, content_hash)
		);
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// UpsertSession writes the session's current metadata, replacing any
// previous row for the same id.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, started_at, last_chunk_id, total_duration, total_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_chunk_id = excluded.last_chunk_id,
			total_duration = excluded.total_duration,
			total_size = excluded.total_size,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Status, rec.StartedAt, rec.LastChunkID, rec.TotalDuration, rec.TotalSize)
	return errors.Wrap(err, "failed to upsert session")
}

func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveTranscription stores one chunk's transcription. Duplicate chunk keys
// are ignored so an idempotent finalize never duplicates rows.
func (s *Store) SaveTranscription(ctx context.Context, rec TranscriptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO transcriptions (session_id, chunk_id, text, confidence)
		VALUES (?, ?, ?, ?)
	`, rec.SessionID, rec.ChunkID, rec.Text, rec.Confidence)
	return errors.Wrap(err, "failed to save transcription")
}

func (s *Store) GetTranscriptions(ctx context.Context, sessionID string) ([]TranscriptionRecord, error) {
	var recs []TranscriptionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM transcriptions WHERE session_id = ? ORDER BY chunk_id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// IsTextProcessed reports whether the memory pipeline already consumed the
// given content hash for the session.
func (s *Store) IsTextProcessed(ctx context.Context, sessionID, contentHash string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM processed_texts WHERE session_id = ? AND content_hash = ?
	`, sessionID, contentHash)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) MarkTextProcessed(ctx context.Context, sessionID, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_texts (session_id, content_hash) VALUES (?, ?)
	`, sessionID, contentHash)
	return errors.Wrap(err, "failed to mark text processed")
}
