package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent"
	"agentd/internal/config"
	"agentd/internal/metrics"
	"agentd/internal/storage"
	"agentd/internal/stream"
)

type blockingEngine struct {
	name string
}

func (e *blockingEngine) Name() string      { return e.name }
func (e *blockingEngine) SupportsMCP() bool { return false }

func (e *blockingEngine) InitializeAndRun(ctx context.Context, opts agent.InitOptions, ec agent.ExecContext) error {
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	srv   *httptest.Server
	chat  *agent.ChatService
	store *storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	m := metrics.MustNew(prometheus.NewRegistry())
	streams := stream.NewManager(stream.Options{HeartbeatInterval: -1, Metrics: m})
	t.Cleanup(streams.Close)

	store, err := storage.Open(filepath.Join(t.TempDir(), "agentd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chat := agent.NewChatService(agent.ChatServiceOptions{
		Publisher: streams,
		Projects:  store,
		Messages:  store,
		Metrics:   m,
	})
	t.Cleanup(chat.Close)
	chat.RegisterEngine(&blockingEngine{name: "claude"})

	s := New(config.ServerConfig{Host: "localhost", Port: 0}, chat, streams, store, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, chat: chat, store: store}
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListEngines(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/agent/engines")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Engines []agent.EngineInfo `json:"engines"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Engines, 1)
	assert.Equal(t, "claude", body.Engines[0].Name)
}

func TestActAcceptsInstruction(t *testing.T) {
	h := newHarness(t)
	resp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "do things"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body agent.ActResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, "s1", body.SessionID)

	// Leave nothing running.
	h.chat.CancelSessionExecutions("s1")
}

func TestActValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "go", CLIPreference: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "go", ProjectID: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "go"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var act agent.ActResponse
	decodeBody(t, resp, &act)

	resp = h.do(t, http.MethodDelete, "/api/agent/chat/s1/cancel/"+act.RequestID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first map[string]any
	decodeBody(t, resp, &first)
	assert.Equal(t, true, first["cancelled"])

	// A repeat cancel is a successful no-op reporting not-cancelled.
	resp = h.do(t, http.MethodDelete, "/api/agent/chat/s1/cancel/"+act.RequestID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second map[string]any
	decodeBody(t, resp, &second)
	assert.Equal(t, false, second["cancelled"])
}

func TestCancelAllCountsExecutions(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		resp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: fmt.Sprintf("task %d", i)})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp := h.do(t, http.MethodDelete, "/api/agent/chat/s1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	decodeBody(t, resp, &body)
	assert.Equal(t, 3, body["cancelled"])
}

func TestProjectCRUD(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/projects", map[string]string{
		"name":     "demo",
		"rootPath": "/work/demo",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created agent.Project
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = h.do(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got agent.Project
	decodeBody(t, resp, &got)
	assert.Equal(t, "demo", got.Name)

	resp = h.do(t, http.MethodPut, "/api/projects/"+created.ID, map[string]string{
		"name":     "demo2",
		"rootPath": "/work/demo2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Projects []agent.Project `json:"projects"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Projects, 1)
	assert.Equal(t, "demo2", listing.Projects[0].Name)

	resp = h.do(t, http.MethodDelete, "/api/projects/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionMessagesEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.SaveMessage(ctx, agent.StoredMessage{
			ProjectID:   "p1",
			SessionID:   "s1",
			Role:        agent.RoleAssistant,
			MessageType: agent.MessageChat,
			Content:     fmt.Sprintf("m%d", i),
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	resp := h.do(t, http.MethodGet, "/api/sessions/s1/messages?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page storage.MessagePage
	decodeBody(t, resp, &page)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m0", page.Messages[0].Content)

	resp = h.do(t, http.MethodDelete, "/api/sessions/s1/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var del map[string]int
	decodeBody(t, resp, &del)
	assert.Equal(t, 3, del["deleted"])
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/agent/chat/s1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() agent.RealtimeEvent {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev agent.RealtimeEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			return ev
		}
	}

	first := readEvent()
	assert.Equal(t, agent.EventConnected, first.Type)

	// An act on the session is observed live over the open stream.
	go func() {
		resp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "stream me"})
		resp.Body.Close()
	}()

	msg := readEvent()
	assert.Equal(t, agent.EventMessage, msg.Type)
	status := readEvent()
	assert.Equal(t, agent.EventStatus, status.Type)

	h.chat.CancelSessionExecutions("s1")
}

func TestWebSocketStreamDeliversEvents(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/agent/chat/s1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var connected agent.RealtimeEvent
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, agent.EventConnected, connected.Type)

	postResp := h.postJSON(t, "/api/agent/chat/s1/act", agent.ActRequest{Instruction: "over ws"})
	postResp.Body.Close()

	var msg agent.RealtimeEvent
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, agent.EventMessage, msg.Type)

	h.chat.CancelSessionExecutions("s1")
}
