// Package httpapi exposes the read-only HTTP surface: image artifact
// lookups backed by directory scans, nothing more.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/rs/cors"

	"github.com/chronicle-rpg/chronicle/pkg/imagegen"
)

type Server struct {
	addr     string
	logger   *log.Logger
	imageDir string
}

func NewServer(logger *log.Logger, addr, imageDir string) *Server {
	return &Server{
		addr:     addr,
		logger:   logger,
		imageDir: imageDir,
	}
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/api/images", s.handleListImages)
	router.Get("/api/images/latest", s.handleLatestImage)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	s.logger.Info("Started HTTP API on", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	artifacts, err := imagegen.ListArtifacts(s.imageDir)
	if err != nil {
		s.logger.Error("Failed to list image artifacts", "error", err)
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"images": artifacts})
}

func (s *Server) handleLatestImage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	artifact, err := imagegen.LatestForSession(s.imageDir, sessionID)
	if err != nil {
		s.logger.Error("Failed to look up latest image", "sessionId", sessionID, "error", err)
		http.Error(w, "failed to look up image", http.StatusInternalServerError)
		return
	}
	if artifact == nil {
		http.Error(w, "no image for session", http.StatusNotFound)
		return
	}
	s.writeJSON(w, artifact)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
