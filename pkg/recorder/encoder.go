// Package recorder drives server-side audio capture through an external
// ffmpeg process, producing fixed-duration segment files and one callback
// per completed, non-empty segment.
package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyRecording is returned when StartRecording is called for a
	// session that already has an active encode loop.
	ErrAlreadyRecording = errors.New("recording already active for session")
)

// ChunkHandler receives encoder results. ChunkComplete is invoked exactly
// once per successfully encoded, non-empty segment, in strictly increasing
// chunk id order. EncoderFailed is invoked once if the encoder gives up
// after too many consecutive failures; the loop stops afterwards.
type ChunkHandler interface {
	ChunkComplete(sessionID string, chunkID int, path string)
	EncoderFailed(sessionID string, err error)
}

type Options struct {
	FFmpegPath             string
	Input                  string
	InputFormat            string
	ChunkDuration          time.Duration
	MaxConsecutiveFailures int
	StopTimeout            time.Duration
}

// Encoder manages one encode loop per session. Only one loop may be active
// per session at a time.
type Encoder struct {
	logger *log.Logger
	opts   Options

	mu     sync.Mutex
	active map[string]*recording
}

type recording struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEncoder(logger *log.Logger, opts Options) *Encoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 10 * time.Second
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 5
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Encoder{
		logger: logger,
		opts:   opts,
		active: make(map[string]*recording),
	}
}

// StartRecording begins continuous capture for the session, writing segment
// files into dir. Starting while already active is a re-entrancy error.
func (e *Encoder) StartRecording(sessionID, dir string, handler ChunkHandler) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create chunk directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recording{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.active[sessionID]; exists {
		e.mu.Unlock()
		cancel()
		return ErrAlreadyRecording
	}
	e.active[sessionID] = rec
	e.mu.Unlock()

	go e.encodeLoop(ctx, rec, sessionID, dir, handler)

	e.logger.Info("Recording started", "sessionId", sessionID, "dir", dir)
	return nil
}

// StopRecording terminates the encode loop and resolves once the underlying
// process has exited, or after the stop timeout if it refuses to die. Safe
// to call when not recording.
func (e *Encoder) StopRecording(sessionID string) error {
	e.mu.Lock()
	rec, exists := e.active[sessionID]
	if exists {
		delete(e.active, sessionID)
	}
	e.mu.Unlock()

	if !exists {
		return nil
	}

	rec.cancel()

	select {
	case <-rec.done:
	case <-time.After(e.opts.StopTimeout):
		// The process ignored the kill; resolve anyway rather than hang the
		// stop command.
		e.logger.Error("Encoder did not exit before stop timeout", "sessionId", sessionID)
	}

	e.logger.Info("Recording stopped", "sessionId", sessionID)
	return nil
}

// IsRecording reports whether an encode loop is active for the session.
func (e *Encoder) IsRecording(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.active[sessionID]
	return exists
}

func (e *Encoder) encodeLoop(ctx context.Context, rec *recording, sessionID, dir string, handler ChunkHandler) {
	defer close(rec.done)

	chunkID := 0
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		path := filepath.Join(dir, fmt.Sprintf("chunk-%06d.wav", chunkID))
		err := e.encodeSegment(ctx, path)
		if ctx.Err() != nil {
			// A stop request mid-segment is not a failure; leave whatever
			// partial file exists and bail out.
			return
		}

		if err == nil {
			if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
				handler.ChunkComplete(sessionID, chunkID, path)
				chunkID++
				consecutiveFailures = 0
				continue
			}
			err = errors.New("encoder produced empty or missing segment")
		}

		// Retry the same chunk index so no audio is silently dropped.
		consecutiveFailures++
		e.logger.Error("Encode attempt failed",
			"sessionId", sessionID, "chunkId", chunkID,
			"attempt", consecutiveFailures, "error", err)

		if consecutiveFailures >= e.opts.MaxConsecutiveFailures {
			handler.EncoderFailed(sessionID, errors.Wrapf(err,
				"encoder failed %d consecutive times", consecutiveFailures))
			e.mu.Lock()
			delete(e.active, sessionID)
			e.mu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(consecutiveFailures)):
		}
	}
}

func (e *Encoder) encodeSegment(ctx context.Context, outputPath string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", e.opts.InputFormat,
		"-i", e.opts.Input,
		"-t", fmt.Sprintf("%.0f", e.opts.ChunkDuration.Seconds()),
		"-y", outputPath,
	}

	cmd := exec.CommandContext(ctx, e.opts.FFmpegPath, args...)
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "ffmpeg exited with error")
	}
	return nil
}

func backoff(failures int) time.Duration {
	d := time.Duration(failures) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
