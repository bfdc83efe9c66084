// Package realtime maintains one live channel per subscribed group:
// phoenix-style joins over a websocket, heartbeat liveness, capped
// reconnection, and a polling fallback when pushes stay unavailable.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
)

// Conn is the slice of a websocket connection the manager drives.
// *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a realtime connection. Injected so tests can run channels
// against scripted connections.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the production dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ReactionEvent is a reaction or vote count change on a message.
type ReactionEvent struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	VoteCount int    `json:"vote_count"`
}

// Handler consumes inbound channel events.
type Handler interface {
	OnMessage(m *backend.ServerMessage)
	OnReaction(r *ReactionEvent)
}

// Poller performs one fallback fetch for a group while its channel is
// degraded to polling.
type Poller interface {
	PollGroup(ctx context.Context, groupID string)
}

// Credentials supplies the access token for channel joins and the bounded
// refresh attempted between reconnects.
type Credentials interface {
	Token() string
	RefreshSessionBounded(ctx context.Context, bound time.Duration) bool
}

// Options carries the tuning knobs for channel upkeep.
type Options struct {
	URL               string
	PresenceKey       string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	SubscribeTimeout  time.Duration
	PollPeriod        time.Duration
}

// Manager owns the channel set, keyed by group id.
type Manager struct {
	dial    Dialer
	creds   Credentials
	handler Handler
	poller  Poller
	bus     *bus.Bus
	clk     clock.Clock
	logger  *zap.Logger

	url               string
	presenceKey       string
	heartbeatInterval time.Duration
	livenessTimeout   time.Duration
	subscribeTimeout  time.Duration
	pollPeriod        time.Duration

	mu      sync.Mutex
	subs    map[string]*managedSub
	root    context.Context
	cancel  context.CancelFunc
	started bool
}

type managedSub struct {
	sub    *subscription
	cancel context.CancelFunc
}

// NewManager creates the channel manager.
func NewManager(dial Dialer, creds Credentials, h Handler, p Poller, b *bus.Bus, clk clock.Clock, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		dial:              dial,
		creds:             creds,
		handler:           h,
		poller:            p,
		bus:               b,
		clk:               clk,
		logger:            logger,
		url:               opts.URL,
		presenceKey:       opts.PresenceKey,
		heartbeatInterval: opts.HeartbeatInterval,
		livenessTimeout:   opts.LivenessTimeout,
		subscribeTimeout:  opts.SubscribeTimeout,
		pollPeriod:        opts.PollPeriod,
		subs:              make(map[string]*managedSub),
	}
}

// Start begins reacting to platform transitions: network-online and
// app-resume nudge every channel to reconnect promptly.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.root, m.cancel = context.WithCancel(ctx)
	root := m.root
	m.mu.Unlock()

	ch, unsub := m.bus.Subscribe("platform.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindNetOnline, bus.KindAppResumed:
					m.ForceReconnectAll()
				}
			case <-root.Done():
				return
			}
		}
	}()
}

// Stop tears down every channel.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	for id, ms := range m.subs {
		ms.cancel()
		delete(m.subs, id)
	}
	m.mu.Unlock()
}

// Subscribe opens (or replaces) the channel for a group. An existing
// subscription is torn down first so exactly one channel per group exists.
func (m *Manager) Subscribe(groupID string) {
	m.mu.Lock()
	if m.root == nil {
		m.root, m.cancel = context.WithCancel(context.Background())
	}
	if old, ok := m.subs[groupID]; ok {
		old.cancel()
		delete(m.subs, groupID)
	}
	ctx, cancel := context.WithCancel(m.root)
	s := &subscription{
		m:       m,
		groupID: groupID,
		topic:   groupTopic(groupID),
		nudge:   make(chan struct{}, 1),
	}
	m.subs[groupID] = &managedSub{sub: s, cancel: cancel}
	m.mu.Unlock()

	go s.run(ctx)
}

// Unsubscribe tears down the channel for a group, if any.
func (m *Manager) Unsubscribe(groupID string) {
	m.mu.Lock()
	ms, ok := m.subs[groupID]
	if ok {
		delete(m.subs, groupID)
	}
	m.mu.Unlock()
	if ok {
		ms.cancel()
	}
}

// ForceReconnect cuts a group's current connection so it redials promptly.
// Idempotent: a connect attempt already in flight is left alone.
func (m *Manager) ForceReconnect(groupID string) {
	m.mu.Lock()
	ms, ok := m.subs[groupID]
	m.mu.Unlock()
	if ok {
		ms.sub.forceReconnect()
	}
}

// ForceReconnectAll nudges every subscribed group.
func (m *Manager) ForceReconnectAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, ms := range m.subs {
		subs = append(subs, ms.sub)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.forceReconnect()
	}
}

// StateOf reports a group's channel state for diagnostics.
func (m *Manager) StateOf(groupID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.subs[groupID]; ok {
		return ms.sub.state
	}
	return StateDisconnected
}

// States snapshots every channel's state for diagnostics.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.subs))
	for id, ms := range m.subs {
		out[id] = ms.sub.state
	}
	return out
}
