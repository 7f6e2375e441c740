// Package transcription converts one encoded audio segment into text via
// the upstream speech service. The client is stateless per call; a failed
// call is reported as a TranscriptionError and never aborts the session.
package transcription

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// MaxFileBytes is the largest segment the upstream service accepts.
const MaxFileBytes = 25 * 1024 * 1024

// TranscriptionError describes why a segment could not be transcribed.
type TranscriptionError struct {
	SessionID string
	Path      string
	Reason    string
	Err       error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription failed for %s (%s): %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("transcription failed for %s: %s", e.Path, e.Reason)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Result is one segment's speech-to-text output.
type Result struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// AudioTranscriber is the upstream speech service call. *ai.Service
// satisfies it.
type AudioTranscriber interface {
	TranscribeFile(ctx context.Context, path, model string) (string, error)
}

type Client struct {
	upstream AudioTranscriber
	model    string
	maxBytes int64
	logger   *log.Logger
}

func NewClient(logger *log.Logger, upstream AudioTranscriber, model string) *Client {
	return &Client{
		upstream: upstream,
		model:    model,
		maxBytes: MaxFileBytes,
		logger:   logger,
	}
}

// TranscribeFile transcribes a single segment file. It fails with a
// *TranscriptionError when the file is missing, empty, oversized, or the
// upstream service errors.
func (c *Client) TranscribeFile(ctx context.Context, path, sessionID string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &TranscriptionError{SessionID: sessionID, Path: path, Reason: "file not accessible", Err: err}
	}
	if info.Size() == 0 {
		return nil, &TranscriptionError{SessionID: sessionID, Path: path, Reason: "file is empty"}
	}
	if info.Size() > c.maxBytes {
		return nil, &TranscriptionError{
			SessionID: sessionID,
			Path:      path,
			Reason:    fmt.Sprintf("file exceeds maximum size of %d bytes", c.maxBytes),
		}
	}

	text, err := c.upstream.TranscribeFile(ctx, path, c.model)
	if err != nil {
		return nil, &TranscriptionError{SessionID: sessionID, Path: path, Reason: "upstream request failed", Err: err}
	}

	c.logger.Debug("Transcribed segment", "sessionId", sessionID, "path", path, "chars", len(text))

	return &Result{
		Text:      text,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}, nil
}

// IsTranscriptionError reports whether err is a *TranscriptionError.
func IsTranscriptionError(err error) bool {
	var te *TranscriptionError
	return errors.As(err, &te)
}
