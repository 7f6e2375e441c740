// Package imagegen turns image prompts into artifacts on disk, named so a
// session's images can be matched back by their embedded timestamp id.
package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ImageAPI produces a URL for a generated image. *ai.Service satisfies it.
type ImageAPI interface {
	GenerateImage(ctx context.Context, prompt, model string) (string, error)
}

// Artifact is one generated image on disk.
type Artifact struct {
	Name      string    `json:"name"`
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type Generator struct {
	logger     *log.Logger
	api        ImageAPI
	model      string
	dir        string
	httpClient *http.Client

	// The artifact URL may lag the generation response; fetching retries
	// a bounded number of times with a fixed delay.
	fetchRetries int
	fetchDelay   time.Duration
}

func NewGenerator(logger *log.Logger, api ImageAPI, model, dir string) *Generator {
	return &Generator{
		logger:       logger,
		api:          api,
		model:        model,
		dir:          dir,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		fetchRetries: 5,
		fetchDelay:   2 * time.Second,
	}
}

// GenerateForSession creates one image for the prompt and stores it under
// the session's canonical id. It returns the artifact path.
func (g *Generator) GenerateForSession(ctx context.Context, sessionID, prompt string) (string, error) {
	url, err := g.api.GenerateImage(ctx, prompt, g.model)
	if err != nil {
		return "", errors.Wrap(err, "image generation failed")
	}

	data, err := g.fetch(ctx, url)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch generated image")
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create image directory")
	}

	name := fmt.Sprintf("%s-%d.png", NormalizeSessionID(sessionID), time.Now().UnixMilli())
	path := filepath.Join(g.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write image artifact")
	}

	g.logger.Info("Image artifact generated", "sessionId", sessionID, "path", path)
	return path, nil
}

func (g *Generator) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < g.fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.fetchDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d fetching image", resp.StatusCode)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// ListArtifacts scans the image directory, newest first.
func ListArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image directory")
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:      entry.Name(),
			SessionID: NormalizeSessionID(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))),
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// LatestForSession returns the most recent artifact matching the session's
// canonical id, or nil when none exists.
func LatestForSession(dir, sessionID string) (*Artifact, error) {
	artifacts, err := ListArtifacts(dir)
	if err != nil {
		return nil, err
	}

	canonical := NormalizeSessionID(sessionID)
	for _, artifact := range artifacts {
		if artifact.SessionID == canonical {
			return &artifact, nil
		}
	}
	return nil, nil
}
