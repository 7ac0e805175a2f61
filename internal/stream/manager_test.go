package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent"
	"agentd/internal/metrics"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.MustNew(prometheus.NewRegistry())
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

func recvEvent(t *testing.T, sub *Subscriber) agent.RealtimeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return agent.RealtimeEvent{}
	}
}

func TestSubscribeReceivesConnectedAck(t *testing.T) {
	m := newTestManager(t, Options{})
	sub := m.Subscribe("s1", "sse")
	defer m.Unsubscribe(sub)

	ev := recvEvent(t, sub)
	assert.Equal(t, agent.EventConnected, ev.Type)
	data := ev.Data.(agent.ConnectedEvent)
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, "sse", data.Transport)
}

func TestPublishRoutesBySession(t *testing.T) {
	m := newTestManager(t, Options{})
	s1 := m.Subscribe("s1", "sse")
	s2 := m.Subscribe("s2", "sse")
	defer m.Unsubscribe(s1)
	defer m.Unsubscribe(s2)
	recvEvent(t, s1)
	recvEvent(t, s2)

	m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, "r1", ""))

	ev := recvEvent(t, s1)
	assert.Equal(t, agent.EventStatus, ev.Type)
	select {
	case got := <-s2.Events():
		t.Fatalf("s2 received event for another session: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutToAllSessionSubscribers(t *testing.T) {
	m := newTestManager(t, Options{})
	a := m.Subscribe("s1", "sse")
	b := m.Subscribe("s1", "websocket")
	defer m.Unsubscribe(a)
	defer m.Unsubscribe(b)
	recvEvent(t, a)
	recvEvent(t, b)

	msg := agent.AgentMessage{ID: "m1", SessionID: "s1", Role: agent.RoleAssistant, Content: "hi"}
	m.Publish(agent.NewMessageEvent(msg))

	for _, sub := range []*Subscriber{a, b} {
		ev := recvEvent(t, sub)
		require.Equal(t, agent.EventMessage, ev.Type)
		assert.Equal(t, "m1", ev.Data.(agent.AgentMessage).ID)
	}
}

func TestSessionlessEventsBroadcast(t *testing.T) {
	m := newTestManager(t, Options{})
	a := m.Subscribe("s1", "sse")
	b := m.Subscribe("s2", "sse")
	defer m.Unsubscribe(a)
	defer m.Unsubscribe(b)
	recvEvent(t, a)
	recvEvent(t, b)

	m.Publish(agent.NewHeartbeatEvent())
	assert.Equal(t, agent.EventHeartbeat, recvEvent(t, a).Type)
	assert.Equal(t, agent.EventHeartbeat, recvEvent(t, b).Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := newTestManager(t, Options{BufferSize: 2})
	sub := m.Subscribe("s1", "sse")
	defer m.Unsubscribe(sub)
	// Buffer holds the connected ack plus one more event; publishes beyond
	// that must return without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, fmt.Sprintf("r%d", i), ""))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated subscriber")
	}
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	sub := m.Subscribe("s1", "sse")
	recvEvent(t, sub)

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, m.SubscriberCount("s1"))
}

func TestReplayDeliversRecentEventsToLateJoiner(t *testing.T) {
	m := newTestManager(t, Options{ReplaySize: 3})

	for i := 0; i < 5; i++ {
		m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, fmt.Sprintf("r%d", i), ""))
	}

	sub := m.Subscribe("s1", "sse")
	defer m.Unsubscribe(sub)

	assert.Equal(t, agent.EventConnected, recvEvent(t, sub).Type)
	for _, want := range []string{"r2", "r3", "r4"} {
		ev := recvEvent(t, sub)
		require.Equal(t, agent.EventStatus, ev.Type)
		assert.Equal(t, want, ev.Data.(agent.StatusEvent).RequestID)
	}
}

func TestReplayDisabledByDefault(t *testing.T) {
	m := newTestManager(t, Options{})
	m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, "r1", ""))

	sub := m.Subscribe("s1", "sse")
	defer m.Unsubscribe(sub)
	assert.Equal(t, agent.EventConnected, recvEvent(t, sub).Type)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatLoopPublishes(t *testing.T) {
	m := newTestManager(t, Options{HeartbeatInterval: 20 * time.Millisecond})
	sub := m.Subscribe("s1", "sse")
	defer m.Unsubscribe(sub)
	recvEvent(t, sub)

	ev := recvEvent(t, sub)
	assert.Equal(t, agent.EventHeartbeat, ev.Type)
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	m := NewManager(Options{HeartbeatInterval: -1, Metrics: metrics.MustNew(prometheus.NewRegistry())})
	sub := m.Subscribe("s1", "sse")
	recvEvent(t, sub)

	m.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, "r1", ""))
	m.Close()
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	m := newTestManager(t, Options{BufferSize: 1})

	// Publishers racing subscriber teardown must never hit a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := m.Subscribe("s1", "sse")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Publish(agent.NewStatusEvent("s1", agent.StatusRunning, "r1", ""))
			}
		}()
		go func(sub *Subscriber) {
			defer wg.Done()
			m.Unsubscribe(sub)
		}(sub)
	}
	wg.Wait()

	assert.Equal(t, 0, m.SubscriberCount("s1"))
}
