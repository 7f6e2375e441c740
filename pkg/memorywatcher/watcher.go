// Package memorywatcher runs the asynchronous memory-update pipeline: it
// observes per-session transcript files, folds newly seen text into the
// shared memory document, and conditionally requests image generation.
package memorywatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/chronicle-rpg/chronicle/pkg/db"
	"github.com/chronicle-rpg/chronicle/pkg/memory"
	"github.com/chronicle-rpg/chronicle/pkg/session"
)

const recentHistorySize = 5

// ImageGenerator produces an artifact for a prompt. *imagegen.Generator
// satisfies it.
type ImageGenerator interface {
	GenerateForSession(ctx context.Context, sessionID, prompt string) (string, error)
}

// Watcher watches the transcript directory and drives the memory-update
// pipeline. File events trigger a scan immediately; a fixed-interval
// rescan catches anything the watcher missed. Processed text is gated by
// durable content-hash markers in the store, so a restart never replays
// LLM calls.
type Watcher struct {
	logger       *log.Logger
	store        *db.Store
	updater      *memory.Updater
	imageGen     ImageGenerator
	watcher      *fsnotify.Watcher
	transcripts  string
	memoryPath   string
	pollInterval time.Duration
	shutdownCh   chan struct{}
}

func New(
	logger *log.Logger,
	store *db.Store,
	updater *memory.Updater,
	imageGen ImageGenerator,
	transcriptDir string,
	memoryPath string,
	pollInterval time.Duration,
) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	return &Watcher{
		logger:       logger,
		store:        store,
		updater:      updater,
		imageGen:     imageGen,
		watcher:      watcher,
		transcripts:  transcriptDir,
		memoryPath:   memoryPath,
		pollInterval: pollInterval,
		shutdownCh:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting memory watcher", "transcripts", w.transcripts)

	if err := os.MkdirAll(w.transcripts, 0o755); err != nil {
		return errors.Wrap(err, "failed to create transcript directory")
	}
	if err := w.watcher.Add(w.transcripts); err != nil {
		return errors.Wrap(err, "failed to add directory to watcher")
	}

	go w.eventLoop(ctx)

	w.logger.Info("Memory watcher started")
	return nil
}

func (w *Watcher) Stop() error {
	w.logger.Info("Stopping memory watcher")
	close(w.shutdownCh)
	return w.watcher.Close()
}

// eventLoop multiplexes file events and the periodic rescan. A failed
// tick is logged and never stops future iterations.
func (w *Watcher) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Initial scan picks up transcripts written before the watcher was up.
	w.Tick(ctx)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Info("File watcher events channel closed")
				return
			}
			if isTranscriptFile(event.Name) && (event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)) {
				w.processFile(ctx, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Info("File watcher errors channel closed")
				return
			}
			w.logger.Error("File watcher error", "error", err)

		case <-ticker.C:
			w.Tick(ctx)

		case <-w.shutdownCh:
			w.logger.Info("Memory watcher shutting down")
			return

		case <-ctx.Done():
			w.logger.Info("Memory watcher context cancelled")
			return
		}
	}
}

// Tick scans the transcript directory once, processing every session file.
func (w *Watcher) Tick(ctx context.Context) {
	entries, err := os.ReadDir(w.transcripts)
	if err != nil {
		w.logger.Error("Failed to scan transcript directory", "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isTranscriptFile(entry.Name()) {
			continue
		}
		w.processFile(ctx, filepath.Join(w.transcripts, entry.Name()))
	}
}

// processFile folds one session transcript's unseen text into the memory
// document. Sessions are processed independently; an error in one file
// never blocks the others.
func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("Failed to read transcript file", "path", path, "error", err)
		return
	}

	var transcript session.TranscriptFile
	if err := json.Unmarshal(data, &transcript); err != nil {
		w.logger.Error("Failed to parse transcript file", "path", path, "error", err)
		return
	}
	if transcript.SessionID == "" || len(transcript.Transcriptions) == 0 {
		return
	}

	newTexts := make([]string, 0)
	newHashes := make([]string, 0)
	for _, t := range transcript.Transcriptions {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		hash := contentHash(text)
		processed, err := w.store.IsTextProcessed(ctx, transcript.SessionID, hash)
		if err != nil {
			w.logger.Error("Failed to check processed marker", "sessionId", transcript.SessionID, "error", err)
			return
		}
		if processed {
			continue
		}
		newTexts = append(newTexts, text)
		newHashes = append(newHashes, hash)
	}

	if len(newTexts) == 0 {
		return
	}

	newText := strings.Join(newTexts, "\n")
	w.logger.Info("Processing new transcript text",
		"sessionId", transcript.SessionID, "entries", len(newTexts))

	doc, err := memory.Load(w.memoryPath)
	if err != nil {
		w.logger.Error("Failed to load memory document", "error", err)
		return
	}

	updated, err := w.updater.Update(ctx, doc, newText)
	if err != nil {
		w.logger.Error("Memory update failed", "sessionId", transcript.SessionID, "error", err)
		return
	}

	for _, text := range newTexts {
		updated.MarkProcessed(text)
	}
	if err := updated.Save(w.memoryPath); err != nil {
		w.logger.Error("Failed to persist memory document", "error", err)
		return
	}

	// Only mark after the memory document committed; a crash before this
	// point reprocesses the text, never loses it.
	for _, hash := range newHashes {
		if err := w.store.MarkTextProcessed(ctx, transcript.SessionID, hash); err != nil {
			w.logger.Error("Failed to mark text processed", "sessionId", transcript.SessionID, "error", err)
		}
	}

	w.maybeGenerateImage(ctx, transcript, updated, newText)
}

// maybeGenerateImage asks the image-decision model and, when it produces a
// prompt, requests generation. Failures here are logged and do not affect
// the memory update, which has already committed.
func (w *Watcher) maybeGenerateImage(ctx context.Context, transcript session.TranscriptFile, doc *memory.Document, newText string) {
	recent := lo.Map(
		transcript.Transcriptions[lo.Max([]int{0, len(transcript.Transcriptions) - recentHistorySize}):],
		func(t session.Transcription, _ int) string { return t.Text },
	)

	prompt, err := w.updater.ImagePrompt(ctx, newText, recent, doc)
	if err != nil {
		w.logger.Error("Image decision failed", "sessionId", transcript.SessionID, "error", err)
		return
	}
	if prompt == "" {
		w.logger.Debug("No image needed", "sessionId", transcript.SessionID)
		return
	}

	if w.imageGen == nil {
		return
	}
	path, err := w.imageGen.GenerateForSession(ctx, transcript.SessionID, prompt)
	if err != nil {
		w.logger.Error("Image generation failed", "sessionId", transcript.SessionID, "error", err)
		return
	}
	w.logger.Info("Image generated", "sessionId", transcript.SessionID, "path", path)
}

func isTranscriptFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, "-transcription.json") && !strings.HasPrefix(name, ".")
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
