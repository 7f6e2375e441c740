package gateway

import (
	"time"

	"github.com/pkg/errors"
)

// Session-protocol errors. They are relayed to the client as error
// messages; the connection itself stays open.
var (
	ErrSessionAlreadyActive = errors.New("a session is already active on this connection")
	ErrNoActiveSession      = errors.New("no active session on this connection")
	ErrUnknownAction        = errors.New("unknown command action")
)

// Action is a client control command.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionEnd   Action = "end"
)

// Command is the inbound text-frame shape:
// {"type":"command","payload":{"action":...,"sessionId":...}}.
type Command struct {
	Type    string         `json:"type"`
	Payload CommandPayload `json:"payload"`
}

type CommandPayload struct {
	Action    Action `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	// Source selects where audio comes from: "client" (binary frames,
	// default) or "device" (server-side capture through the encoder).
	Source string `json:"source,omitempty"`
}

const SourceDevice = "device"

// Session lifecycle events published on the internal broker.
const (
	SubjectSessionStarted   = "chronicle.sessions.started"
	SubjectSessionCompleted = "chronicle.sessions.completed"
	SubjectSessionEnded     = "chronicle.sessions.ended"
)

// MessageType enumerates every outbound message kind. Dispatch over these
// is exhaustive; an unknown type cannot be constructed server-side.
type MessageType string

const (
	MessageTypeStatus            MessageType = "status"
	MessageTypeError             MessageType = "error"
	MessageTypeTranscription     MessageType = "transcription"
	MessageTypeRecordingComplete MessageType = "recording_complete"
	MessageTypeSessionEnded      MessageType = "session_ended"
	MessageTypeAck               MessageType = "ack"
)

// Message is the outbound frame envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

func newMessage(messageType MessageType, sessionID string, payload any) Message {
	return Message{
		Type:      messageType,
		Payload:   payload,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

type statusPayload struct {
	Status string `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type recordingCompletePayload struct {
	SessionID      string  `json:"sessionId"`
	Duration       float64 `json:"duration"`
	Size           int64   `json:"size"`
	Transcriptions any     `json:"transcriptions"`
}
