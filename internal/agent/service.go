package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/internal/logging"
	"agentd/internal/metrics"
)

var (
	// ErrEmptyInstruction is returned when the instruction is blank after
	// trimming.
	ErrEmptyInstruction = errors.New("instruction must not be empty")

	// ErrEngineNotRegistered is returned when the resolved engine name has
	// no registered implementation.
	ErrEngineNotRegistered = errors.New("engine not registered")

	// ErrProjectNotFound is returned when the request names a project the
	// directory does not know.
	ErrProjectNotFound = errors.New("project not found")

	// ErrDuplicateRequest is returned when a request id is already running.
	ErrDuplicateRequest = errors.New("request id already in flight")
)

// Publisher delivers canonical events to live session subscribers.
type Publisher interface {
	Publish(event RealtimeEvent)
}

// ProjectDirectory resolves project records and stores resume tokens.
// Implemented by the storage layer; defined here so the service depends only
// on what it consumes.
type ProjectDirectory interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	SetResumeSessionID(ctx context.Context, projectID, token string) error
	TouchLastActive(ctx context.Context, projectID string) error
}

// MessageSink persists finalized messages. Persistence is best effort; a
// failing sink never interrupts a running execution.
type MessageSink interface {
	SaveMessage(ctx context.Context, msg StoredMessage) error
}

// ChatService orchestrates engine executions: it validates instructions,
// resolves the engine, fans events out through the publisher, and tracks
// in-flight executions for cancellation.
//
// The registry is the single source of truth for terminal status: whichever
// path removes the record first (cancellation or run completion) publishes
// the terminal status event, and the other path stays silent.
type ChatService struct {
	publisher Publisher
	projects  ProjectDirectory
	messages  MessageSink
	logger    logging.Logger
	metrics   *metrics.Metrics

	defaultEngine string

	mu       sync.RWMutex
	engines  map[string]Engine
	registry map[string]*ExecutionRecord

	// wg tracks run goroutines so Close can drain them.
	wg sync.WaitGroup
}

// ChatServiceOptions configures NewChatService. Publisher is required;
// everything else may be nil or empty.
type ChatServiceOptions struct {
	Publisher     Publisher
	Projects      ProjectDirectory
	Messages      MessageSink
	Logger        logging.Logger
	Metrics       *metrics.Metrics
	DefaultEngine string
}

// NewChatService builds a ChatService with no engines registered.
func NewChatService(opts ChatServiceOptions) *ChatService {
	if opts.Publisher == nil {
		panic("agent: ChatService requires a publisher")
	}
	return &ChatService{
		publisher:     opts.Publisher,
		projects:      opts.Projects,
		messages:      opts.Messages,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		defaultEngine: opts.DefaultEngine,
		engines:       make(map[string]Engine),
		registry:      make(map[string]*ExecutionRecord),
	}
}

// RegisterEngine makes an engine available for execution. The first engine
// registered becomes the default unless one was configured explicitly.
func (s *ChatService) RegisterEngine(engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[engine.Name()] = engine
	if s.defaultEngine == "" {
		s.defaultEngine = engine.Name()
	}
}

// Engines lists registered engines sorted by name.
func (s *ChatService) Engines() []EngineInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]EngineInfo, 0, len(s.engines))
	for _, e := range s.engines {
		infos = append(infos, EngineInfo{Name: e.Name(), SupportsMCP: e.SupportsMCP()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// HandleAct accepts an instruction for a session and starts an asynchronous
// engine execution. It returns as soon as the execution is registered; all
// engine output reaches the caller through the stream.
//
// The echoed user message and the starting status are published before this
// method returns, so a subscriber attached at call time observes them ahead
// of any engine output.
func (s *ChatService) HandleAct(ctx context.Context, sessionID string, req ActRequest) (ActResponse, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return ActResponse{}, ErrEmptyInstruction
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var project *Project
	if req.ProjectID != "" && s.projects != nil {
		p, err := s.projects.GetProject(ctx, req.ProjectID)
		if err != nil {
			return ActResponse{}, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
		}
		project = p
	}

	engineName := req.CLIPreference
	if engineName == "" && project != nil {
		engineName = project.PreferredEngine
	}
	if engineName == "" {
		engineName = s.defaultEngine
	}

	s.mu.RLock()
	engine, ok := s.engines[engineName]
	s.mu.RUnlock()
	if !ok {
		return ActResponse{}, fmt.Errorf("%w: %q", ErrEngineNotRegistered, engineName)
	}

	model := req.Model
	if model == "" && project != nil {
		model = project.SelectedModel
	}
	root := req.ProjectRoot
	if root == "" && project != nil {
		root = project.RootPath
	}

	opts := InitOptions{
		SessionID:   sessionID,
		Instruction: instruction,
		Model:       model,
		ProjectRoot: root,
		RequestID:   requestID,
		Attachments: req.Attachments,
	}
	if project != nil {
		opts.ProjectID = project.ID
		opts.ResumeSessionID = project.ResumeSessionID
	}

	runCtx, cancel := context.WithCancel(context.Background())
	record := &ExecutionRecord{
		RequestID:  requestID,
		SessionID:  sessionID,
		EngineName: engineName,
		StartedAt:  time.Now().UTC(),
		cancel:     cancel,
	}

	s.mu.Lock()
	if _, exists := s.registry[requestID]; exists {
		s.mu.Unlock()
		cancel()
		return ActResponse{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	s.registry[requestID] = record
	s.mu.Unlock()
	s.metrics.ExecutionStarted()

	userMsg := AgentMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        RoleUser,
		Content:     instruction,
		MessageType: MessageChat,
		CLISource:   engineName,
		RequestID:   requestID,
		IsStreaming: false,
		IsFinal:     true,
		CreatedAt:   time.Now().UTC(),
	}
	s.publish(NewMessageEvent(userMsg))
	s.persistMessage(project, userMsg)
	s.publish(NewStatusEvent(sessionID, StatusStarting, requestID, ""))

	if project != nil && s.projects != nil {
		if err := s.projects.TouchLastActive(ctx, project.ID); err != nil {
			s.logger.Warn("failed to touch project %s: %v", project.ID, err)
		}
	}

	s.wg.Add(1)
	go s.run(runCtx, engine, opts, project)

	s.logger.Info("execution %s started: session=%s engine=%s", requestID, sessionID, engineName)
	return ActResponse{RequestID: requestID, SessionID: sessionID, Status: "accepted"}, nil
}

func (s *ChatService) run(ctx context.Context, engine Engine, opts InitOptions, project *Project) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("execution %s panicked: %v", opts.RequestID, r)
			if s.takeRecord(opts.RequestID) != nil {
				s.finish(opts, engine.Name(), StatusError, fmt.Sprintf("engine panic: %v", r))
			}
		}
	}()

	// A cancel that landed before this goroutine started has already taken
	// the record and published the terminal status.
	s.mu.RLock()
	_, alive := s.registry[opts.RequestID]
	s.mu.RUnlock()
	if !alive {
		return
	}
	s.publish(NewStatusEvent(opts.SessionID, StatusRunning, opts.RequestID, ""))

	ec := ExecContext{
		Emit: func(event RealtimeEvent) {
			s.publish(event)
			if msg, ok := event.Data.(AgentMessage); ok && event.Type == EventMessage {
				if msg.IsFinal && msg.Role != RoleUser {
					s.persistMessage(project, msg)
				}
			}
		},
	}
	if project != nil && s.projects != nil {
		projectID := project.ID
		ec.PersistResumeSessionID = func(token string) error {
			return s.projects.SetResumeSessionID(context.Background(), projectID, token)
		}
	}

	err := engine.InitializeAndRun(ctx, opts, ec)

	// First remover publishes the terminal status. If cancellation already
	// took the record, this run stays silent.
	if s.takeRecord(opts.RequestID) == nil {
		return
	}

	switch {
	case err == nil:
		s.finish(opts, engine.Name(), StatusCompleted, "")
	case errors.Is(err, context.Canceled):
		s.finish(opts, engine.Name(), StatusCancelled, "")
	default:
		s.logger.Error("execution %s failed: %v", opts.RequestID, err)
		s.publish(NewErrorEvent(opts.SessionID, opts.RequestID, err.Error()))
		s.finish(opts, engine.Name(), StatusError, err.Error())
	}
}

func (s *ChatService) finish(opts InitOptions, engineName string, status Status, message string) {
	s.publish(NewStatusEvent(opts.SessionID, status, opts.RequestID, message))
	s.metrics.ExecutionFinished(engineName, string(status))
	s.logger.Info("execution %s finished: status=%s", opts.RequestID, status)
}

// CancelExecution cancels one in-flight execution. It returns true when the
// execution existed, belonged to the session, and this call was the one that
// removed it; repeated calls return false.
func (s *ChatService) CancelExecution(sessionID, requestID string) bool {
	s.mu.Lock()
	record, ok := s.registry[requestID]
	if !ok || record.SessionID != sessionID {
		s.mu.Unlock()
		return false
	}
	delete(s.registry, requestID)
	s.mu.Unlock()

	record.cancel()
	s.publish(NewStatusEvent(sessionID, StatusCancelled, requestID, ""))
	s.metrics.ExecutionFinished(record.EngineName, string(StatusCancelled))
	s.logger.Info("execution %s cancelled: session=%s", requestID, sessionID)
	return true
}

// CancelSessionExecutions cancels every in-flight execution bound to the
// session and returns how many were cancelled.
func (s *ChatService) CancelSessionExecutions(sessionID string) int {
	s.mu.Lock()
	var taken []*ExecutionRecord
	for id, record := range s.registry {
		if record.SessionID == sessionID {
			delete(s.registry, id)
			taken = append(taken, record)
		}
	}
	s.mu.Unlock()

	for _, record := range taken {
		record.cancel()
		s.metrics.ExecutionFinished(record.EngineName, string(StatusCancelled))
	}
	if len(taken) > 0 {
		// One aggregate terminal status for the whole session.
		s.publish(NewStatusEvent(sessionID, StatusCancelled, "", fmt.Sprintf("cancelled %d executions", len(taken))))
		s.logger.Info("cancelled %d executions for session %s", len(taken), sessionID)
	}
	return len(taken)
}

// RunningExecutions returns a snapshot of in-flight executions. With a
// non-empty sessionID the snapshot is limited to that session.
func (s *ChatService) RunningExecutions(sessionID string) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExecutionRecord, 0, len(s.registry))
	for _, record := range s.registry {
		if sessionID != "" && record.SessionID != sessionID {
			continue
		}
		out = append(out, ExecutionRecord{
			RequestID:  record.RequestID,
			SessionID:  record.SessionID,
			EngineName: record.EngineName,
			StartedAt:  record.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close cancels every in-flight execution and waits for run goroutines to
// drain.
func (s *ChatService) Close() {
	s.mu.Lock()
	var taken []*ExecutionRecord
	for id, record := range s.registry {
		delete(s.registry, id)
		taken = append(taken, record)
	}
	s.mu.Unlock()

	for _, record := range taken {
		record.cancel()
		s.publish(NewStatusEvent(record.SessionID, StatusCancelled, record.RequestID, ""))
		s.metrics.ExecutionFinished(record.EngineName, string(StatusCancelled))
	}
	s.wg.Wait()
}

func (s *ChatService) takeRecord(requestID string) *ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.registry[requestID]
	if !ok {
		return nil
	}
	delete(s.registry, requestID)
	return record
}

func (s *ChatService) publish(event RealtimeEvent) {
	s.publisher.Publish(event)
	s.metrics.EventPublished(event.Type)
}

func (s *ChatService) persistMessage(project *Project, msg AgentMessage) {
	if project == nil || s.messages == nil {
		return
	}
	stored := StoredMessage{
		ID:          msg.ID,
		ProjectID:   project.ID,
		SessionID:   msg.SessionID,
		Role:        msg.Role,
		MessageType: msg.MessageType,
		Content:     msg.Content,
		Metadata:    msg.Metadata,
		CLISource:   msg.CLISource,
		RequestID:   msg.RequestID,
		CreatedAt:   msg.CreatedAt,
	}
	if err := s.messages.SaveMessage(context.Background(), stored); err != nil {
		s.logger.Warn("failed to persist message %s: %v", msg.ID, err)
	}
}
