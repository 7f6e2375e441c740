// Package gateway hosts the WebSocket server that ingests streamed audio
// and control commands, one connection handler per socket.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/chronicle-rpg/chronicle/pkg/config"
	"github.com/chronicle-rpg/chronicle/pkg/db"
	"github.com/chronicle-rpg/chronicle/pkg/recorder"
	"github.com/chronicle-rpg/chronicle/pkg/session"
)

const connCountLogInterval = 30 * time.Second

type Server struct {
	addr        string
	logger      *log.Logger
	upgrader    websocket.Upgrader
	cfg         *config.Config
	store       *db.Store
	registry    *session.Registry
	transcriber session.Transcriber
	encoder     *recorder.Encoder
	nc          *nats.Conn

	connCount atomic.Int64
}

type Deps struct {
	Config      *config.Config
	Store       *db.Store
	Registry    *session.Registry
	Transcriber session.Transcriber
	Encoder     *recorder.Encoder
	NATS        *nats.Conn
}

func NewServer(logger *log.Logger, addr string, deps Deps) *Server {
	return &Server{
		addr:        addr,
		logger:      logger,
		cfg:         deps.Config,
		store:       deps.Store,
		registry:    deps.Registry,
		transcriber: deps.Transcriber,
		encoder:     deps.Encoder,
		nc:          deps.NATS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	go s.logConnectionCount(ctx)

	s.logger.Info("Started recording gateway on", "host", "ws://localhost"+s.addr+"/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(); closeErr != nil {
			s.logger.Debug("Error closing websocket", "error", closeErr)
		}
	}()

	s.connCount.Add(1)
	defer s.connCount.Add(-1)

	handler := newConnHandler(s, ws)
	defer handler.onClose()

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection closed unexpectedly", "error", err)
			}
			return
		}
		handler.handleFrame(r.Context(), frameType, data)
	}
}

func (s *Server) logConnectionCount(ctx context.Context) {
	ticker := time.NewTicker(connCountLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("Gateway connections",
				"connections", s.connCount.Load(),
				"activeSessions", s.registry.Count())
		}
	}
}
