// Package codex adapts the Codex CLI to the canonical engine contract. The
// CLI is spawned in non-interactive exec mode and emits one JSON event per
// stdout line.
package codex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentd/internal/agent"
	"agentd/internal/logging"
	"agentd/internal/subprocess"
)

const (
	// EngineName is the registry key for this adapter.
	EngineName = "codex"

	defaultBinary  = "codex"
	defaultTimeout = 15 * time.Minute
)

// processRunner is satisfied by subprocess.Runner; tests swap in a scripted
// implementation.
type processRunner interface {
	Run(ctx context.Context, cfg subprocess.Config, onLine subprocess.LineHandler) error
}

// Options configures the adapter.
type Options struct {
	// Binary is the CLI executable; defaults to "codex" on PATH.
	Binary string
	// Timeout is the hard deadline per execution.
	Timeout time.Duration
	Logger  logging.Logger
	// Runner overrides the process runner, for tests.
	Runner processRunner
}

// Engine is the process-backed Codex adapter.
type Engine struct {
	binary  string
	timeout time.Duration
	logger  logging.Logger
	runner  processRunner
}

// New builds the adapter.
func New(opts Options) *Engine {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	logger := logging.OrNop(opts.Logger)
	runner := opts.Runner
	if runner == nil {
		runner = subprocess.NewRunner(logger)
	}
	return &Engine{binary: opts.Binary, timeout: opts.Timeout, logger: logger, runner: runner}
}

func (e *Engine) Name() string      { return EngineName }
func (e *Engine) SupportsMCP() bool { return false }

// InitializeAndRun spawns one CLI execution and translates its event stream.
// When a resume token is set the execution resumes the backend thread; a
// resume rejected by the CLI invalidates the stored token and the
// instruction is retried on a fresh thread.
func (e *Engine) InitializeAndRun(ctx context.Context, opts agent.InitOptions, ec agent.ExecContext) error {
	images, cleanup := e.stageImageAttachments(opts.Attachments)
	defer cleanup()

	if opts.ResumeSessionID != "" {
		err := e.runOnce(ctx, opts, ec, opts.ResumeSessionID, images)
		if err == nil || !isResumeRejected(err) {
			return err
		}
		e.logger.Warn("resume of thread %s rejected, retrying fresh: %v", opts.ResumeSessionID, err)
		if ec.PersistResumeSessionID != nil {
			if perr := ec.PersistResumeSessionID(""); perr != nil {
				e.logger.Warn("failed to clear stale resume token: %v", perr)
			}
		}
	}
	return e.runOnce(ctx, opts, ec, "", images)
}

// stageImageAttachments writes inline image payloads to temp files for the
// CLI's --image flag. Staging is best-effort: a bad attachment is skipped
// with a warning, never failing the run.
func (e *Engine) stageImageAttachments(atts []agent.Attachment) ([]string, func()) {
	cleanup := func() {}
	var paths []string
	dir := ""
	for i, att := range atts {
		if !strings.HasPrefix(att.MimeType, "image/") || att.DataBase64 == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.DataBase64)
		if err != nil {
			e.logger.Warn("skipping image attachment %q: %v", att.Name, err)
			continue
		}
		if dir == "" {
			d, err := os.MkdirTemp("", "agentd-images-")
			if err != nil {
				e.logger.Warn("cannot stage image attachments: %v", err)
				return nil, cleanup
			}
			dir = d
			cleanup = func() { _ = os.RemoveAll(d) }
		}
		name := filepath.Base(att.Name)
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = fmt.Sprintf("image-%d", i)
		}
		path := filepath.Join(dir, fmt.Sprintf("%d-%s", i, name))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			e.logger.Warn("skipping image attachment %q: %v", att.Name, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths, cleanup
}

func (e *Engine) runOnce(ctx context.Context, opts agent.InitOptions, ec agent.ExecContext, resumeToken string, images []string) error {
	args := []string{"exec"}
	if resumeToken != "" {
		args = append(args, "resume", resumeToken)
	}
	args = append(args, "--json", "--skip-git-repo-check", "--color", "never")
	if opts.ProjectRoot != "" {
		args = append(args, "--cd", opts.ProjectRoot)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, img := range images {
		args = append(args, "--image", img)
	}
	args = append(args, opts.Instruction)

	st := &runState{
		engine: e,
		opts:   opts,
		ec:     ec,
		seen:   agent.FingerprintSet{},
		todo:   &todoState{},
		text:   map[string]*textAccumulator{},
	}

	err := e.runner.Run(ctx, subprocess.Config{
		Command:    e.binary,
		Args:       args,
		WorkingDir: opts.ProjectRoot,
		Timeout:    e.timeout,
	}, st.handleLine)

	if err != nil {
		return err
	}
	if st.streamErr != nil {
		return st.streamErr
	}
	return nil
}

// codexEvent is the wire shape of one stdout line.
type codexEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *codexItem `json:"item,omitempty"`
	Message  string     `json:"message,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage map[string]any `json:"usage,omitempty"`
}

type codexItem struct {
	ID               string            `json:"id"`
	ItemType         string            `json:"item_type"`
	Text             string            `json:"text,omitempty"`
	Delta            string            `json:"delta,omitempty"`
	Command          string            `json:"command,omitempty"`
	AggregatedOutput string            `json:"aggregated_output,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Status           string            `json:"status,omitempty"`
	Changes          []codexFileChange `json:"changes,omitempty"`
	Items            []codexTodoItem   `json:"items,omitempty"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type codexTodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type todoState struct {
	total     int
	completed int
}

// textAccumulator grows one streamed text item across item.delta events.
type textAccumulator struct {
	kind string
	b    strings.Builder
}

// runState carries per-execution translation state.
type runState struct {
	engine     *Engine
	opts       agent.InitOptions
	ec         agent.ExecContext
	seen       agent.FingerprintSet
	todo       *todoState
	text       map[string]*textAccumulator
	streamErr  error
	tokenSaved bool
}

func (st *runState) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		st.engine.logger.Warn("skipping malformed event line: %v", err)
		return
	}

	switch ev.Type {
	case "thread.started":
		st.persistThread(ev.ThreadID)
	case "item.started", "item.updated":
		if ev.Item != nil {
			st.handleItemProgress(ev.Item)
		}
	case "item.delta":
		if ev.Item != nil {
			st.handleItemDelta(ev.Item)
		}
	case "item.completed":
		if ev.Item != nil {
			st.handleItemCompleted(ev.Item)
		}
	case "item.failed":
		if ev.Item != nil {
			// The payload still surfaces (a failed command keeps its output
			// and exit code) before the run is marked failed.
			st.handleItemCompleted(ev.Item)
			st.streamErr = fmt.Errorf("item %s failed: %s", ev.Item.ItemType, itemFailureText(ev.Item))
		}
	case "turn.completed":
		// Usage accounting arrives here; finalize any text item that never
		// reported completion so streamed snapshots always end in a final.
		st.flushText()
	case "turn.failed":
		st.streamErr = errors.New(eventErrorText(&ev))
	case "error":
		st.streamErr = errors.New(eventErrorText(&ev))
	default:
		st.engine.logger.Debug("ignoring event type %q", ev.Type)
	}
}

func (st *runState) persistThread(threadID string) {
	if threadID == "" || st.tokenSaved || st.ec.PersistResumeSessionID == nil {
		return
	}
	if err := st.ec.PersistResumeSessionID(threadID); err != nil {
		st.engine.logger.Warn("failed to persist resume token: %v", err)
		return
	}
	st.tokenSaved = true
}

func (st *runState) handleItemProgress(item *codexItem) {
	switch item.ItemType {
	case "command_execution":
		st.emitTool(item.ID, agent.MessageToolUse, item.Command, map[string]any{
			"tool":    "command_execution",
			"command": item.Command,
		})
	case "todo_list":
		st.emitTodo(item, "update")
	}
}

// handleItemDelta appends streamed text and re-emits the grown snapshot
// under the item's stable message id. The matching final snapshot arrives
// with item.completed (or flushText at turn end).
func (st *runState) handleItemDelta(item *codexItem) {
	switch item.ItemType {
	case "agent_message", "reasoning":
		chunk := item.Delta
		if chunk == "" {
			chunk = item.Text
		}
		if chunk == "" {
			return
		}
		acc, ok := st.text[item.ID]
		if !ok {
			acc = &textAccumulator{kind: item.ItemType}
			st.text[item.ID] = acc
		}
		acc.b.WriteString(chunk)
		st.emitAssistant(item.ID, acc.kind, acc.b.String(), false)
	case "todo_list":
		st.emitTodo(item, "update")
	}
}

// flushText finalizes accumulated text items that never saw item.completed.
func (st *runState) flushText() {
	for id, acc := range st.text {
		if strings.TrimSpace(acc.b.String()) != "" {
			st.emitAssistant(id, acc.kind, acc.b.String(), true)
		}
		delete(st.text, id)
	}
}

func (st *runState) handleItemCompleted(item *codexItem) {
	switch item.ItemType {
	case "agent_message", "reasoning":
		text := item.Text
		if acc, ok := st.text[item.ID]; ok {
			if strings.TrimSpace(text) == "" {
				text = acc.b.String()
			}
			delete(st.text, item.ID)
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		st.emitAssistant(item.ID, item.ItemType, text, true)
	case "command_execution":
		meta := map[string]any{
			"tool":    "command_execution",
			"command": item.Command,
			"status":  item.Status,
		}
		if item.ExitCode != nil {
			meta["exitCode"] = *item.ExitCode
		}
		if (item.ExitCode != nil && *item.ExitCode != 0) || item.Status == "failed" {
			meta["severity"] = "error"
		}
		content := item.AggregatedOutput
		if strings.TrimSpace(content) == "" {
			content = fmt.Sprintf("$ %s", item.Command)
		}
		st.emitTool(item.ID, agent.MessageToolResult, content, meta)
	case "file_change":
		st.emitFileChange(item)
	case "todo_list":
		st.emitTodo(item, "completed")
	}
}

// emitAssistant publishes one snapshot of a text item. Partial and final
// snapshots share the item's derived message id.
func (st *runState) emitAssistant(itemID, kind, content string, final bool) {
	msg := agent.AgentMessage{
		ID:          st.messageID(itemID),
		SessionID:   st.opts.SessionID,
		Role:        agent.RoleAssistant,
		Content:     content,
		MessageType: agent.MessageChat,
		CLISource:   EngineName,
		RequestID:   st.opts.RequestID,
		IsStreaming: !final,
		IsFinal:     final,
		CreatedAt:   time.Now().UTC(),
	}
	if kind == "reasoning" {
		msg.Metadata = map[string]any{"reasoning": true}
	}
	st.emitMessage(msg)
}

func (st *runState) emitFileChange(item *codexItem) {
	if len(item.Changes) == 0 {
		return
	}
	names := make([]string, 0, len(item.Changes))
	for _, ch := range item.Changes {
		names = append(names, ch.Path)
	}
	content := fmt.Sprintf("Updated %d file(s): %s", len(names), strings.Join(names, ", "))
	st.emitTool(item.ID, agent.MessageToolResult, content, map[string]any{
		"tool":  "file_change",
		"files": names,
	})
}

func (st *runState) emitTodo(item *codexItem, phase string) {
	if len(item.Items) == 0 {
		return
	}
	st.todo.total = len(item.Items)
	st.todo.completed = 0
	var b strings.Builder
	for i, step := range item.Items {
		mark := "[ ]"
		if step.Completed {
			mark = "[x]"
			st.todo.completed++
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s", mark, step.Text)
	}
	st.emitTool(item.ID, agent.MessageToolUse, b.String(), map[string]any{
		"tool":           "todo_list",
		"phase":          phase,
		"totalSteps":     st.todo.total,
		"completedSteps": st.todo.completed,
	})
}

// emitTool publishes a tool message once per unique fingerprint. The CLI
// re-announces items across progress and completion events, so duplicates
// are expected and silently skipped.
func (st *runState) emitTool(itemID string, msgType agent.MessageType, content string, metadata map[string]any) {
	fp := agent.MessageFingerprint(msgType, content, metadata, st.opts.SessionID, st.opts.RequestID)
	if st.seen.Seen(fp) {
		return
	}
	st.emitMessage(agent.AgentMessage{
		ID:          st.messageID(itemID + ":" + string(msgType)),
		SessionID:   st.opts.SessionID,
		Role:        agent.RoleTool,
		Content:     content,
		MessageType: msgType,
		CLISource:   EngineName,
		RequestID:   st.opts.RequestID,
		IsFinal:     true,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	})
}

func (st *runState) emitMessage(msg agent.AgentMessage) {
	st.ec.Emit(agent.NewMessageEvent(msg))
}

// messageID derives a stable id from the CLI item id so progress and final
// snapshots of one item share identity.
func (st *runState) messageID(itemID string) string {
	if itemID == "" || itemID == ":"+string(agent.MessageToolUse) || itemID == ":"+string(agent.MessageToolResult) {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s:%s", st.opts.RequestID, itemID)
}

func itemFailureText(item *codexItem) string {
	if item.Text != "" {
		return item.Text
	}
	if item.AggregatedOutput != "" {
		return item.AggregatedOutput
	}
	return "unknown failure"
}

func eventErrorText(ev *codexEvent) string {
	if ev.Error != nil && ev.Error.Message != "" {
		return ev.Error.Message
	}
	if ev.Message != "" {
		return ev.Message
	}
	return "backend reported an error"
}

// isResumeRejected reports whether the CLI refused to resume the requested
// thread, which means the stored token is stale.
func isResumeRejected(err error) bool {
	var exitErr *subprocess.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(exitErr.Stderr)
	return strings.Contains(msg, "thread") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "invalid"))
}
