package imagegen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImageAPI struct {
	url string
	err error
}

func (s *stubImageAPI) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	return s.url, s.err
}

func TestNormalizeSessionID(t *testing.T) {
	testCases := []struct {
		id   string
		want string
	}{
		{"session-1700000000000-abc", "session-1700000000000"},
		{"session-1700000000000", "session-1700000000000"},
		{"session-1700000000000-abc-def", "session-1700000000000"},
		{"custom-id", "custom-id"},
		{"", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeSessionID(tc.id))
		})
	}
}

func TestGenerator_GenerateForSession(t *testing.T) {
	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer imageServer.Close()

	dir := t.TempDir()
	generator := NewGenerator(log.New(os.Stdout), &stubImageAPI{url: imageServer.URL}, "dall-e-3", dir)

	path, err := generator.GenerateForSession(context.Background(), "session-1700000000000-abc", "a glowing sword")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Contains(t, filepath.Base(path), "session-1700000000000")
}

func TestGenerator_FetchRetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer imageServer.Close()

	generator := NewGenerator(log.New(os.Stdout), &stubImageAPI{url: imageServer.URL}, "dall-e-3", t.TempDir())
	generator.fetchDelay = time.Millisecond

	_, err := generator.GenerateForSession(context.Background(), "s1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerator_FetchGivesUpAfterRetries(t *testing.T) {
	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer imageServer.Close()

	generator := NewGenerator(log.New(os.Stdout), &stubImageAPI{url: imageServer.URL}, "dall-e-3", t.TempDir())
	generator.fetchDelay = time.Millisecond
	generator.fetchRetries = 2

	_, err := generator.GenerateForSession(context.Background(), "s1", "prompt")
	assert.Error(t, err)
}

func TestListArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-1700000000000-100.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-1700000000999-200.png"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("c"), 0o644))

	artifacts, err := ListArtifacts(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 2, "non-png files are skipped")
	for _, artifact := range artifacts {
		assert.True(t, filepath.IsAbs(artifact.Path) || artifact.Path != "")
	}
}

func TestListArtifacts_MissingDirectory(t *testing.T) {
	artifacts, err := ListArtifacts(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestLatestForSession(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "session-1700000000000-100.png")
	newer := filepath.Join(dir, "session-1700000000000-200.png")
	other := filepath.Join(dir, "session-1799999999999-300.png")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("other"), 0o644))

	// Make mtimes deterministic.
	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(newer, now.Add(-time.Hour), now.Add(-time.Hour)))

	artifact, err := LatestForSession(dir, "session-1700000000000-abc")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, filepath.Base(newer), artifact.Name)

	artifact, err = LatestForSession(dir, "session-1600000000000")
	require.NoError(t, err)
	assert.Nil(t, artifact)
}
