package gateway

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/chronicle-rpg/chronicle/pkg/helpers"
	"github.com/chronicle-rpg/chronicle/pkg/session"
)

// wsConn serializes writes: the session's notifier callbacks and the
// command responses may fire from different goroutines, and gorilla
// permits only one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// connHandler routes one physical connection's frames: binary frames are
// audio chunks for the active session, text frames are control commands.
// Message handling is serialized by the read loop, so no two commands on
// the same connection are processed concurrently.
type connHandler struct {
	logger *log.Logger
	server *Server
	conn   *wsConn

	session *session.Session
}

func newConnHandler(server *Server, ws *websocket.Conn) *connHandler {
	return &connHandler{
		logger: server.logger,
		server: server,
		conn:   &wsConn{ws: ws},
	}
}

// handleFrame is the top of the per-message dispatch. Any error escapes
// only as a client-visible error message; the connection is never torn
// down on a processing error.
func (h *connHandler) handleFrame(ctx context.Context, frameType int, data []byte) {
	var err error
	switch frameType {
	case websocket.BinaryMessage:
		err = h.handleChunk(ctx, data)
	case websocket.TextMessage:
		err = h.handleCommand(ctx, data)
	default:
		h.logger.Debug("Ignoring frame", "frameType", frameType)
	}

	if err != nil {
		h.logger.Warn("Frame handling failed", "error", err)
		h.sendError(err.Error())
	}
}

func (h *connHandler) handleCommand(ctx context.Context, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errors.Wrap(err, "malformed command")
	}

	switch cmd.Payload.Action {
	case ActionStart:
		return h.handleStart(ctx, cmd.Payload)
	case ActionStop:
		return h.handleStop(ctx)
	case ActionEnd:
		return h.handleEnd(ctx)
	default:
		return errors.Wrapf(ErrUnknownAction, "%q", cmd.Payload.Action)
	}
}

func (h *connHandler) handleStart(ctx context.Context, payload CommandPayload) error {
	if h.session != nil {
		return ErrSessionAlreadyActive
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = "session-" + uuid.NewString()
	}

	cfg := h.server.cfg
	chunkDir := cfg.ChunkDir(sessionID)
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create chunk directory")
	}
	if err := os.MkdirAll(cfg.TranscriptDir(), 0o755); err != nil {
		return errors.Wrap(err, "failed to create transcript directory")
	}

	s := session.New(h.logger, h.server.store, h.server.transcriber, sessionID, chunkDir, cfg.TranscriptDir())
	s.Attach(h)

	if err := h.server.registry.Register(s); err != nil {
		return err
	}

	if payload.Source == SourceDevice && h.server.encoder != nil {
		if err := h.server.encoder.StartRecording(sessionID, chunkDir, s); err != nil {
			h.server.registry.Remove(sessionID)
			return errors.Wrap(err, "failed to start device capture")
		}
	}

	s.Begin()
	h.session = s

	h.publishEvent(SubjectSessionStarted, sessionID)
	h.logger.Info("Session started", "sessionId", sessionID, "source", payload.Source)
	return h.send(newMessage(MessageTypeStatus, sessionID, statusPayload{Status: "initialized"}))
}

// handleChunk forwards one binary audio frame to the active session. The
// chunk id is gateway-assigned and strictly sequential; nothing in the
// payload influences it.
func (h *connHandler) handleChunk(ctx context.Context, data []byte) error {
	if h.session == nil {
		return ErrNoActiveSession
	}

	chunkID := h.session.LastChunkID() + 1
	chunk, err := h.session.AddChunk(chunkID, data)
	if err != nil {
		return err
	}
	if chunk == nil {
		// Empty or duplicate payload; acknowledge receipt so the client
		// knows no transcription will follow for this frame.
		return h.send(newMessage(MessageTypeAck, h.session.ID(), nil))
	}

	// The session notifies the client with the transcription result; a
	// failed transcription leaves a gap, not an error.
	h.session.TranscribeChunk(ctx, chunk)
	return nil
}

func (h *connHandler) handleStop(ctx context.Context) error {
	if h.session == nil {
		return ErrNoActiveSession
	}

	s := h.session
	s.BeginStop()
	if h.server.encoder != nil {
		if err := h.server.encoder.StopRecording(s.ID()); err != nil {
			h.logger.Error("Failed to stop device capture", "sessionId", s.ID(), "error", err)
		}
	}

	result, err := s.Finalize(ctx)
	if err != nil {
		// The session transitioned to error and stays in the registry for
		// operator inspection.
		return err
	}

	h.publishEvent(SubjectSessionCompleted, s.ID())
	return h.send(newMessage(MessageTypeRecordingComplete, s.ID(), recordingCompletePayload{
		SessionID:      result.SessionID,
		Duration:       result.Duration,
		Size:           result.Size,
		Transcriptions: result.Transcriptions,
	}))
}

func (h *connHandler) handleEnd(ctx context.Context) error {
	if h.session == nil {
		return ErrNoActiveSession
	}

	s := h.session
	s.BeginStop()
	if h.server.encoder != nil {
		if err := h.server.encoder.StopRecording(s.ID()); err != nil {
			h.logger.Error("Failed to stop device capture", "sessionId", s.ID(), "error", err)
		}
	}

	if _, err := s.Finalize(ctx); err != nil {
		return err
	}

	h.server.registry.Remove(s.ID())
	h.session = nil

	h.publishEvent(SubjectSessionEnded, s.ID())
	return h.send(newMessage(MessageTypeSessionEnded, s.ID(), nil))
}

// onClose finalizes any still-active session best-effort. Errors are
// logged, never propagated; the sweeper reaps whatever is left.
func (h *connHandler) onClose() {
	if h.session == nil {
		return
	}

	s := h.session
	h.logger.Info("Connection closed with active session, finalizing", "sessionId", s.ID())

	s.BeginStop()
	if h.server.encoder != nil {
		if err := h.server.encoder.StopRecording(s.ID()); err != nil {
			h.logger.Error("Failed to stop device capture on close", "sessionId", s.ID(), "error", err)
		}
	}
	if _, err := s.Finalize(context.Background()); err != nil {
		h.logger.Error("Best-effort finalize on close failed", "sessionId", s.ID(), "error", err)
	}
	h.session = nil
}

func (h *connHandler) publishEvent(subject, sessionID string) {
	if err := helpers.NatsPublish(h.server.nc, subject, map[string]any{
		"sessionId": sessionID,
	}); err != nil {
		h.logger.Warn("Failed to publish session event", "subject", subject, "error", err)
	}
}

func (h *connHandler) send(msg Message) error {
	return h.conn.WriteJSON(msg)
}

func (h *connHandler) sendError(message string) {
	sessionID := ""
	if h.session != nil {
		sessionID = h.session.ID()
	}
	if err := h.send(newMessage(MessageTypeError, sessionID, errorPayload{Message: message})); err != nil {
		h.logger.Error("Failed to send error message", "error", err)
	}
}

// NotifyStatus implements session.Notifier.
func (h *connHandler) NotifyStatus(sessionID, message string) {
	if err := h.send(newMessage(MessageTypeStatus, sessionID, statusPayload{Status: message})); err != nil {
		h.logger.Debug("Dropped status notification", "sessionId", sessionID, "error", err)
	}
}

// NotifyError implements session.Notifier.
func (h *connHandler) NotifyError(sessionID, message string) {
	if err := h.send(newMessage(MessageTypeError, sessionID, errorPayload{Message: message})); err != nil {
		h.logger.Debug("Dropped error notification", "sessionId", sessionID, "error", err)
	}
}

// NotifyTranscription implements session.Notifier.
func (h *connHandler) NotifyTranscription(sessionID string, t session.Transcription) {
	if err := h.send(newMessage(MessageTypeTranscription, sessionID, t)); err != nil {
		h.logger.Debug("Dropped transcription notification", "sessionId", sessionID, "error", err)
	}
}
