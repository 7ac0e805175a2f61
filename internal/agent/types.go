// Package agent defines the canonical data model shared by engines, the
// stream manager, and the HTTP transport, plus the chat service that
// orchestrates engine executions.
package agent

import (
	"time"
)

// Role identifies the author of an AgentMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageType classifies an AgentMessage for client-side rendering.
type MessageType string

const (
	MessageChat       MessageType = "chat"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageStatus     MessageType = "status"
)

// AgentMessage is the canonical message shape every engine normalizes into.
//
// A message with IsStreaming=true is a partial snapshot; it is eventually
// followed by a message sharing the same ID with IsFinal=true, unless the
// execution terminates in error or cancellation first. Only final snapshots
// are ever persisted.
type AgentMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	MessageType MessageType    `json:"messageType"`
	CLISource   string         `json:"cliSource,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	IsStreaming bool           `json:"isStreaming"`
	IsFinal     bool           `json:"isFinal"`
	CreatedAt   time.Time      `json:"createdAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Status values carried by status events.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Event type tags of the RealtimeEvent union.
const (
	EventMessage   = "message"
	EventStatus    = "status"
	EventError     = "error"
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// StatusEvent reports an execution lifecycle transition for a session.
type StatusEvent struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ConnectedEvent acknowledges a new stream subscriber.
type ConnectedEvent struct {
	SessionID string    `json:"sessionId"`
	Transport string    `json:"transport"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatEvent keeps idle transports alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorData scopes an error event to a session and request.
type ErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// RealtimeEvent is the tagged union delivered over every stream transport.
// Exactly one JSON object per event.
type RealtimeEvent struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// SessionID returns the session the event is scoped to, or "" for
// session-less events such as heartbeats.
func (e RealtimeEvent) SessionID() string {
	switch d := e.Data.(type) {
	case AgentMessage:
		return d.SessionID
	case *AgentMessage:
		return d.SessionID
	case StatusEvent:
		return d.SessionID
	case ConnectedEvent:
		return d.SessionID
	case ErrorData:
		return d.SessionID
	case *ErrorData:
		return d.SessionID
	}
	return ""
}

// NewMessageEvent wraps an AgentMessage into a realtime event.
func NewMessageEvent(msg AgentMessage) RealtimeEvent {
	return RealtimeEvent{Type: EventMessage, Data: msg}
}

// NewStatusEvent wraps a lifecycle transition into a realtime event.
func NewStatusEvent(sessionID string, status Status, requestID, message string) RealtimeEvent {
	return RealtimeEvent{Type: EventStatus, Data: StatusEvent{
		SessionID: sessionID,
		Status:    status,
		RequestID: requestID,
		Message:   message,
	}}
}

// NewErrorEvent wraps an execution failure into a realtime event.
func NewErrorEvent(sessionID, requestID, errMsg string) RealtimeEvent {
	return RealtimeEvent{Type: EventError, Error: errMsg, Data: ErrorData{
		SessionID: sessionID,
		RequestID: requestID,
	}}
}

// NewConnectedEvent acknowledges a subscriber attach on a transport.
func NewConnectedEvent(sessionID, transport string) RealtimeEvent {
	return RealtimeEvent{Type: EventConnected, Data: ConnectedEvent{
		SessionID: sessionID,
		Transport: transport,
		Timestamp: time.Now().UTC(),
	}}
}

// NewHeartbeatEvent produces a session-less keepalive event.
func NewHeartbeatEvent() RealtimeEvent {
	return RealtimeEvent{Type: EventHeartbeat, Data: HeartbeatEvent{Timestamp: time.Now().UTC()}}
}

// Attachment carries an inline file or image sent with an instruction.
type Attachment struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	DataBase64 string `json:"dataBase64"`
}

// ActRequest is the payload accepted by the act endpoint.
type ActRequest struct {
	Instruction   string       `json:"instruction"`
	CLIPreference string       `json:"cliPreference,omitempty"`
	Model         string       `json:"model,omitempty"`
	ProjectID     string       `json:"projectId,omitempty"`
	ProjectRoot   string       `json:"projectRoot,omitempty"`
	RequestID     string       `json:"requestId,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// ActResponse is returned synchronously by the act endpoint, before the
// engine run completes.
type ActResponse struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// EngineInfo describes a registered engine for UI and diagnostics.
type EngineInfo struct {
	Name        string `json:"name"`
	SupportsMCP bool   `json:"supportsMcp"`
}

// Project is the workspace record resolved by the project port.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	RootPath        string    `json:"rootPath"`
	PreferredEngine string    `json:"preferredCli,omitempty"`
	SelectedModel   string    `json:"selectedModel,omitempty"`
	ResumeSessionID string    `json:"resumeSessionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastActiveAt    time.Time `json:"lastActiveAt,omitempty"`
}

// StoredMessage is the durable form of a finalized AgentMessage.
type StoredMessage struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	SessionID      string         `json:"sessionId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Role           Role           `json:"role"`
	MessageType    MessageType    `json:"messageType"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CLISource      string         `json:"cliSource,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
