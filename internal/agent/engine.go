package agent

import (
	"context"
	"time"
)

// InitOptions carries everything an engine needs for one execution.
type InitOptions struct {
	SessionID       string
	Instruction     string
	Model           string
	ProjectRoot     string
	RequestID       string
	ProjectID       string
	ResumeSessionID string
	Attachments     []Attachment
}

// ExecContext exposes the side channels an engine may use during a run.
//
// Emit publishes a canonical event to every live subscriber of the session.
// PersistResumeSessionID stores (or, with an empty token, clears) the
// backend's resumable session token; it is nil when no project is bound.
type ExecContext struct {
	Emit                   func(RealtimeEvent)
	PersistResumeSessionID func(token string) error
}

// Engine runs one instruction against a backend and translates its native
// event shape into canonical events.
//
// InitializeAndRun must observe ctx at every suspension point and return
// context.Canceled (possibly wrapped) when the execution is cancelled, so
// the chat service never double-reports terminal status.
type Engine interface {
	Name() string
	SupportsMCP() bool
	InitializeAndRun(ctx context.Context, opts InitOptions, ec ExecContext) error
}

// ExecutionRecord tracks one in-flight engine run. The chat service's
// registry is the sole source of truth for "is this request still running".
type ExecutionRecord struct {
	RequestID  string    `json:"requestId"`
	SessionID  string    `json:"sessionId"`
	EngineName string    `json:"engineName"`
	StartedAt  time.Time `json:"startedAt"`

	cancel context.CancelFunc
}
