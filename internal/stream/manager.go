// Package stream fans canonical events out to live session subscribers over
// channel-backed subscriptions consumed by the SSE and WebSocket transports.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"agentd/internal/agent"
	"agentd/internal/logging"
	"agentd/internal/metrics"
)

const (
	defaultBufferSize        = 64
	defaultHeartbeatInterval = 30 * time.Second
	replaySessionCacheSize   = 256
)

// Subscriber is one attached stream consumer. Events arrive on Events();
// the channel is closed when the subscriber is removed or the manager shuts
// down.
type Subscriber struct {
	ID        string
	SessionID string
	Transport string

	mu     sync.Mutex
	closed bool
	ch     chan agent.RealtimeEvent
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan agent.RealtimeEvent { return s.ch }

// shutdown closes the channel exactly once. Senders check the closed flag
// under the same lock, so a send can never race the close.
func (s *Subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Options tunes a Manager. Zero values select defaults; ReplaySize stays
// opt-in because replay changes delivery semantics for late joiners.
type Options struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	// HeartbeatInterval is the keepalive period; <0 disables heartbeats.
	HeartbeatInterval time.Duration
	// ReplaySize is how many recent events per session are replayed to new
	// subscribers. 0 disables replay.
	ReplaySize int

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Manager routes events to the subscribers of their session. Slow consumers
// never block publishers: events to a saturated subscriber are dropped.
type Manager struct {
	bufferSize int
	replaySize int
	logger     logging.Logger
	metrics    *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber
	closed   bool

	replay *lru.Cache[string, *replayBuffer]

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// NewManager builds a Manager and starts its heartbeat loop.
func NewManager(opts Options) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	interval := opts.HeartbeatInterval
	if interval == 0 {
		interval = defaultHeartbeatInterval
	}

	m := &Manager{
		bufferSize:    opts.BufferSize,
		replaySize:    opts.ReplaySize,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		sessions:      make(map[string]map[string]*Subscriber),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	if opts.ReplaySize > 0 {
		cache, err := lru.New[string, *replayBuffer](replaySessionCacheSize)
		if err != nil {
			panic(err)
		}
		m.replay = cache
	}

	if interval > 0 {
		go m.heartbeatLoop(interval)
	} else {
		close(m.heartbeatDone)
	}
	return m
}

// Subscribe attaches a consumer to a session. The subscriber immediately
// receives a connected acknowledgement, then any replayed session events,
// then live traffic.
func (m *Manager) Subscribe(sessionID, transport string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Transport: transport,
		ch:        make(chan agent.RealtimeEvent, m.bufferSize),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.shutdown()
		return sub
	}
	subs, ok := m.sessions[sessionID]
	if !ok {
		subs = make(map[string]*Subscriber)
		m.sessions[sessionID] = subs
	}
	subs[sub.ID] = sub
	m.mu.Unlock()
	m.metrics.SubscriberAdded()

	m.send(sub, agent.NewConnectedEvent(sessionID, transport))
	if m.replay != nil {
		if buf, ok := m.replay.Get(sessionID); ok {
			for _, ev := range buf.snapshot() {
				m.send(sub, ev)
			}
		}
	}

	m.logger.Debug("subscriber %s attached: session=%s transport=%s", sub.ID, sessionID, transport)
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel. Safe to call
// more than once.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	subs, ok := m.sessions[sub.SessionID]
	if ok {
		if _, present := subs[sub.ID]; present {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(m.sessions, sub.SessionID)
			}
			m.mu.Unlock()
			sub.shutdown()
			m.metrics.SubscriberRemoved()
			m.logger.Debug("subscriber %s detached: session=%s", sub.ID, sub.SessionID)
			return
		}
	}
	m.mu.Unlock()
}

// Publish routes an event to the subscribers of its session. Events without
// a session (heartbeats) go to every subscriber.
func (m *Manager) Publish(event agent.RealtimeEvent) {
	sessionID := event.SessionID()

	if m.replay != nil && sessionID != "" && event.Type != agent.EventConnected {
		buf, ok := m.replay.Get(sessionID)
		if !ok {
			buf = newReplayBuffer(m.replaySize)
			m.replay.Add(sessionID, buf)
		}
		buf.append(event)
	}

	m.mu.RLock()
	var targets []*Subscriber
	if sessionID == "" {
		for _, subs := range m.sessions {
			for _, sub := range subs {
				targets = append(targets, sub)
			}
		}
	} else {
		for _, sub := range m.sessions[sessionID] {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		m.send(sub, event)
	}
}

// SubscriberCount reports live subscribers, for one session or (with "")
// all sessions.
func (m *Manager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessionID != "" {
		return len(m.sessions[sessionID])
	}
	total := 0
	for _, subs := range m.sessions {
		total += len(subs)
	}
	return total
}

// Close stops the heartbeat loop and closes every subscriber channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var all []*Subscriber
	for _, subs := range m.sessions {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	m.sessions = make(map[string]map[string]*Subscriber)
	m.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}

	close(m.stopHeartbeat)
	<-m.heartbeatDone
}

func (m *Manager) send(sub *Subscriber, event agent.RealtimeEvent) {
	// A Publish can hold a target snapshotted before a concurrent
	// Unsubscribe/Close; the closed flag makes such sends a silent no-op
	// instead of a send on a closed channel.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- event:
	default:
		m.metrics.EventDropped()
		m.logger.Warn("dropping %s event: subscriber %s buffer full (session=%s)",
			event.Type, sub.ID, sub.SessionID)
	}
}

func (m *Manager) heartbeatLoop(interval time.Duration) {
	defer close(m.heartbeatDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Publish(agent.NewHeartbeatEvent())
		case <-m.stopHeartbeat:
			return
		}
	}
}

// replayBuffer keeps the newest N events of one session.
type replayBuffer struct {
	mu     sync.Mutex
	events []agent.RealtimeEvent
	max    int
}

func newReplayBuffer(max int) *replayBuffer {
	return &replayBuffer{max: max}
}

func (b *replayBuffer) append(event agent.RealtimeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	if len(b.events) > b.max {
		b.events = b.events[len(b.events)-b.max:]
	}
}

func (b *replayBuffer) snapshot() []agent.RealtimeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]agent.RealtimeEvent, len(b.events))
	copy(out, b.events)
	return out
}
