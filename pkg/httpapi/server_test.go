package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicle-rpg/chronicle/pkg/imagegen"
)

func newTestAPI(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	imageDir := t.TempDir()
	server := NewServer(log.New(os.Stdout), ":0", imageDir)
	api := httptest.NewServer(server.Handler())
	t.Cleanup(api.Close)
	return api, imageDir
}

func TestServer_ListImages(t *testing.T) {
	api, imageDir := newTestAPI(t)
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "session-1700000000000-1.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "session-1700000000999-2.png"), []byte("b"), 0o644))

	resp, err := http.Get(api.URL + "/api/images")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Images []imagegen.Artifact `json:"images"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Images, 2)
}

func TestServer_ListImagesEmptyDirectory(t *testing.T) {
	api, _ := newTestAPI(t)

	resp, err := http.Get(api.URL + "/api/images")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_LatestImageMatchesNormalizedID(t *testing.T) {
	api, imageDir := newTestAPI(t)
	older := filepath.Join(imageDir, "session-1700000000000-1.png")
	newer := filepath.Join(imageDir, "session-1700000000000-2.png")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))

	// The suffixed id must resolve to the same canonical session.
	resp, err := http.Get(api.URL + "/api/images/latest?sessionId=session-1700000000000-abc")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var artifact imagegen.Artifact
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&artifact))
	assert.Equal(t, filepath.Base(newer), artifact.Name)
}

func TestServer_LatestImageNotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	resp, err := http.Get(api.URL + "/api/images/latest?sessionId=session-123")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_LatestImageRequiresSessionID(t *testing.T) {
	api, _ := newTestAPI(t)

	resp, err := http.Get(api.URL + "/api/images/latest")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
