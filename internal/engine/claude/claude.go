// Package claude adapts the Anthropic Messages streaming API to the
// canonical engine contract. Unlike the process-backed engines this adapter
// consumes server-sent deltas directly and re-publishes them as growing
// message snapshots.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentd/internal/agent"
	"agentd/internal/logging"
)

const (
	// EngineName is the registry key for this adapter.
	EngineName = "claude"

	defaultModel     = "claude-sonnet-4-0"
	defaultMaxTokens = 8192
)

// messageStream is the slice of the SDK stream the adapter consumes; tests
// substitute a scripted implementation.
type messageStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// streamFactory opens one streaming message request.
type streamFactory func(ctx context.Context, params anthropic.MessageNewParams) messageStream

// Options configures the adapter.
type Options struct {
	// APIKey overrides the environment-provided key.
	APIKey string
	// MaxTokens caps each response; defaults to 8192.
	MaxTokens int64
	Logger    logging.Logger
	// Streams overrides the stream factory, for tests.
	Streams streamFactory
}

// Engine is the stream-native Claude adapter.
type Engine struct {
	maxTokens int64
	logger    logging.Logger
	streams   streamFactory
}

// New builds the adapter. Without an explicit factory it opens real API
// streams using the official client.
func New(opts Options) *Engine {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	logger := logging.OrNop(opts.Logger)
	streams := opts.Streams
	if streams == nil {
		var clientOpts []option.RequestOption
		if opts.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
		}
		client := anthropic.NewClient(clientOpts...)
		streams = func(ctx context.Context, params anthropic.MessageNewParams) messageStream {
			return client.Messages.NewStreaming(ctx, params)
		}
	}
	return &Engine{maxTokens: opts.MaxTokens, logger: logger, streams: streams}
}

func (e *Engine) Name() string      { return EngineName }
func (e *Engine) SupportsMCP() bool { return true }

// InitializeAndRun opens one streaming request and republishes its deltas as
// canonical events. Assistant text arrives as growing snapshots sharing one
// message id, finalized when the content block closes or the stream ends.
func (e *Engine) InitializeAndRun(ctx context.Context, opts agent.InitOptions, ec agent.ExecContext) error {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}

	var blocks []anthropic.ContentBlockParamUnion
	for _, att := range opts.Attachments {
		if !strings.HasPrefix(att.MimeType, "image/") || att.DataBase64 == "" {
			continue
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(att.MimeType, att.DataBase64))
	}
	blocks = append(blocks, anthropic.NewTextBlock(opts.Instruction))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if opts.ProjectRoot != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: fmt.Sprintf("You are assisting with the project rooted at %s.", opts.ProjectRoot)},
		}
	}

	stream := e.streams(ctx, params)
	defer stream.Close()

	st := &runState{
		engine: e,
		opts:   opts,
		ec:     ec,
		blocks: map[int64]*blockState{},
		seen:   agent.FingerprintSet{},
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.handleEvent(stream.Current())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("message stream: %w", err)
	}
	st.flushOpenBlocks()
	return nil
}

// blockState tracks one content block of the in-flight upstream message.
type blockState struct {
	kind      string
	messageID string
	text      strings.Builder
	toolName  string
	toolInput strings.Builder
}

type runState struct {
	engine     *Engine
	opts       agent.InitOptions
	ec         agent.ExecContext
	blocks     map[int64]*blockState
	seen       agent.FingerprintSet
	upstreamID string
}

func (st *runState) handleEvent(event anthropic.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		// A new upstream message resets all block accumulators.
		st.blocks = map[int64]*blockState{}
		st.upstreamID = ev.Message.ID
	case anthropic.ContentBlockStartEvent:
		st.handleBlockStart(ev)
	case anthropic.ContentBlockDeltaEvent:
		st.handleBlockDelta(ev)
	case anthropic.ContentBlockStopEvent:
		st.handleBlockStop(ev.Index)
	case anthropic.MessageDeltaEvent:
		// Carries stop_reason and usage; nothing to surface per message.
	case anthropic.MessageStopEvent:
		st.engine.logger.Debug("upstream message %s complete", st.upstreamID)
	}
}

func (st *runState) handleBlockStart(ev anthropic.ContentBlockStartEvent) {
	block := &blockState{messageID: st.blockMessageID(ev.Index)}
	switch b := ev.ContentBlock.AsAny().(type) {
	case anthropic.ToolUseBlock:
		block.kind = "tool_use"
		block.toolName = b.Name
		st.emitToolUse(block)
	default:
		block.kind = "text"
	}
	st.blocks[ev.Index] = block
}

func (st *runState) handleBlockDelta(ev anthropic.ContentBlockDeltaEvent) {
	block, ok := st.blocks[ev.Index]
	if !ok {
		// Deltas for an unannounced block still carry text; recover by
		// synthesizing the block instead of dropping content.
		block = &blockState{kind: "text", messageID: st.blockMessageID(ev.Index)}
		st.blocks[ev.Index] = block
	}

	switch d := ev.Delta.AsAny().(type) {
	case anthropic.TextDelta:
		block.text.WriteString(d.Text)
		st.emitText(block, false)
	case anthropic.InputJSONDelta:
		block.toolInput.WriteString(d.PartialJSON)
	}
}

// flushOpenBlocks finalizes blocks the stream left open, so a stream that
// ends without content_block_stop still yields a final snapshot.
func (st *runState) flushOpenBlocks() {
	for index := range st.blocks {
		st.handleBlockStop(index)
	}
}

func (st *runState) handleBlockStop(index int64) {
	block, ok := st.blocks[index]
	if !ok {
		return
	}
	switch block.kind {
	case "text":
		if block.text.Len() > 0 {
			st.emitText(block, true)
		}
	case "tool_use":
		st.emitToolResult(block)
	}
	delete(st.blocks, index)
}

// emitText publishes the current snapshot of a text block. Partial and final
// snapshots share the block's message id so subscribers can replace in place.
func (st *runState) emitText(block *blockState, final bool) {
	st.ec.Emit(agent.NewMessageEvent(agent.AgentMessage{
		ID:          block.messageID,
		SessionID:   st.opts.SessionID,
		Role:        agent.RoleAssistant,
		Content:     block.text.String(),
		MessageType: agent.MessageChat,
		CLISource:   EngineName,
		RequestID:   st.opts.RequestID,
		IsStreaming: !final,
		IsFinal:     final,
		CreatedAt:   time.Now().UTC(),
	}))
}

func (st *runState) emitToolUse(block *blockState) {
	content := fmt.Sprintf("Using tool: %s", block.toolName)
	metadata := map[string]any{"tool": block.toolName}
	fp := agent.MessageFingerprint(agent.MessageToolUse, content, metadata, st.opts.SessionID, st.opts.RequestID)
	if st.seen.Seen(fp) {
		return
	}
	st.ec.Emit(agent.NewMessageEvent(agent.AgentMessage{
		ID:          block.messageID + ":use",
		SessionID:   st.opts.SessionID,
		Role:        agent.RoleTool,
		Content:     content,
		MessageType: agent.MessageToolUse,
		CLISource:   EngineName,
		RequestID:   st.opts.RequestID,
		IsFinal:     true,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}))
}

func (st *runState) emitToolResult(block *blockState) {
	input := strings.TrimSpace(block.toolInput.String())
	content := fmt.Sprintf("Tool %s invoked", block.toolName)
	metadata := map[string]any{"tool": block.toolName}
	if input != "" {
		metadata["input"] = input
	}
	fp := agent.MessageFingerprint(agent.MessageToolResult, content, metadata, st.opts.SessionID, st.opts.RequestID)
	if st.seen.Seen(fp) {
		return
	}
	st.ec.Emit(agent.NewMessageEvent(agent.AgentMessage{
		ID:          block.messageID + ":result",
		SessionID:   st.opts.SessionID,
		Role:        agent.RoleTool,
		Content:     content,
		MessageType: agent.MessageToolResult,
		CLISource:   EngineName,
		RequestID:   st.opts.RequestID,
		IsFinal:     true,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}))
}

// blockMessageID derives a stable id for one content block so every
// snapshot of that block shares identity.
func (st *runState) blockMessageID(index int64) string {
	return fmt.Sprintf("%s:%s:%d", st.opts.RequestID, st.upstreamID, index)
}
