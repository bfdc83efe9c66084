package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
)

// reconnectDelays is the capped reconnect ladder. Short fixed steps rather
// than unbounded exponential growth: users expect recovery within seconds.
// Exhausting the ladder downgrades the channel to polling fallback.
var reconnectDelays = []time.Duration{
	time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	8 * time.Second,
}

// refreshBound limits the token refresh attempted between reconnects.
// Whatever token is cached afterwards gets used: stale-but-present beats
// none.
const refreshBound = 3 * time.Second

var errLivenessTimeout = errors.New("liveness timeout: no inbound frame within bound")

// State is one channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePolling:
		return "polling"
	}
	return "unknown"
}

// StateChange is the payload for realtime state bus events.
type StateChange struct {
	GroupID string
	State   State
}

// PresenceChange is the payload for presence bus events.
type PresenceChange struct {
	GroupID string
	Joined  []string
	Left    []string
}

// inboundFrame pairs a decoded frame with the read error that ended the
// connection, delivered as the final item.
type inboundFrame struct {
	frame *Frame
	err   error
}

// subscription is one group's channel: a connect loop with a single-flight
// connect attempt, identity-token guarded dispatch, heartbeat liveness, and
// a polling fallback once the reconnect ladder is exhausted.
type subscription struct {
	m       *Manager
	groupID string
	topic   string
	refs    refCounter
	nudge   chan struct{}

	// guarded by m.mu: state, identity, connCancel
	state      State
	identity   string
	connCancel context.CancelFunc
}

func (s *subscription) run(ctx context.Context) {
	failures := 0

	for ctx.Err() == nil {
		s.setState(StateConnecting)
		identity := uuid.NewString()
		s.setIdentity(identity)

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.m.logger.Warn("channel subscribe failed",
				zap.Error(err),
				zap.String("group_id", s.groupID),
				zap.Int("failures", failures),
			)
			if failures > len(reconnectDelays) {
				if !s.pollUntilNudge(ctx) {
					return
				}
				failures = 0
				continue
			}
			s.setState(StateReconnecting)
			if !s.waitOrNudge(ctx, reconnectDelays[failures-1]) {
				return
			}
			continue
		}

		failures = 0
		s.setState(StateConnected)
		s.m.logger.Info("channel connected", zap.String("group_id", s.groupID))
		s.m.bus.Publish(bus.Event{
			Kind:      bus.KindRealtimeConnected,
			Timestamp: s.m.clk.Now(),
			Payload:   s.groupID,
		})

		err = s.pump(ctx, conn, identity)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		// The gap starts now, not when recovery eventually runs.
		s.m.logger.Warn("channel died",
			zap.Error(err),
			zap.String("group_id", s.groupID),
		)
		s.m.bus.Publish(bus.Event{
			Kind:      bus.KindRealtimeDead,
			Timestamp: s.m.clk.Now(),
			Payload:   s.groupID,
		})

		s.setState(StateReconnecting)
		s.m.creds.RefreshSessionBounded(ctx, refreshBound)
		failures = 1
		if !s.waitOrNudge(ctx, reconnectDelays[0]) {
			return
		}
	}
}

// connect dials and joins the channel under a watchdog: if connected is not
// reached within the subscribe bound the attempt is abandoned, preventing
// an indefinite hang on a stuck handshake.
func (s *subscription) connect(ctx context.Context) (Conn, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-s.m.clk.After(s.m.subscribeTimeout):
			cancel()
		case <-settled:
		}
	}()

	conn, err := s.m.dial(wctx, s.m.url)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	join, err := newJoinFrame(s.topic, s.refs.next(), s.m.creds.Token(), s.m.presenceKey)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return nil, err
	}
	if err := writeFrame(wctx, conn, join); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("send join: %w", err)
	}

	// The join reply may be preceded by presence state.
	for {
		frame, err := readFrame(wctx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "join reply read failed")
			return nil, fmt.Errorf("await join reply: %w", err)
		}
		if frame.Event != evtReply || frame.Topic != s.topic {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "bad join reply")
			return nil, fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			_ = conn.Close(websocket.StatusPolicyViolation, "join rejected")
			return nil, fmt.Errorf("join rejected: %s", reply.Status)
		}
		return conn, nil
	}
}

// pump owns one live connection: a reader goroutine feeds the frame
// channel, the loop dispatches frames and drives the heartbeat. The
// liveness timestamp advances only on inbound frames, heartbeat replies
// included. Sending alone proves nothing; only round trips do.
func (s *subscription) pump(ctx context.Context, conn Conn, identity string) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.m.mu.Lock()
	s.connCancel = cancel
	s.m.mu.Unlock()

	inbound := make(chan inboundFrame, 32)
	go func() {
		for {
			frame, err := readFrame(connCtx, conn)
			select {
			case inbound <- inboundFrame{frame: frame, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	lastInbound := s.m.clk.Now()
	for {
		select {
		case in := <-inbound:
			if in.err != nil {
				return fmt.Errorf("read frame: %w", in.err)
			}
			lastInbound = s.m.clk.Now()
			s.dispatch(identity, in.frame)

		case <-s.m.clk.After(s.m.heartbeatInterval):
			if s.m.clk.Now().Sub(lastInbound) > s.m.livenessTimeout {
				return errLivenessTimeout
			}
			if err := writeFrame(connCtx, conn, newHeartbeatFrame(s.refs.next())); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// dispatch routes one inbound frame. Frames from a superseded connection
// attempt carry a stale identity token and are dropped without touching
// any state.
func (s *subscription) dispatch(identity string, frame *Frame) {
	s.m.mu.Lock()
	stale := s.identity != identity
	s.m.mu.Unlock()
	if stale {
		s.m.logger.Debug("dropping stale channel callback", zap.String("group_id", s.groupID))
		return
	}

	switch frame.Event {
	case evtBroadcast:
		s.handleBroadcast(frame.Payload)
	case evtPresenceDiff, evtPresenceState:
		s.handlePresence(frame.Payload)
	case evtError, evtClose:
		s.m.logger.Warn("channel error frame", zap.String("group_id", s.groupID), zap.String("event", frame.Event))
	case evtReply:
		// Heartbeat ack. Liveness already advanced.
	}
}

func (s *subscription) handleBroadcast(raw json.RawMessage) {
	var bp broadcastPayload
	if err := json.Unmarshal(raw, &bp); err != nil {
		s.m.logger.Warn("undecodable broadcast", zap.Error(err), zap.String("group_id", s.groupID))
		return
	}
	switch bp.Event {
	case broadcastMessage:
		var msg backend.ServerMessage
		if err := json.Unmarshal(bp.Payload, &msg); err != nil {
			s.m.logger.Warn("undecodable message event", zap.Error(err), zap.String("group_id", s.groupID))
			return
		}
		if msg.GroupID == "" {
			msg.GroupID = s.groupID
		}
		s.m.handler.OnMessage(&msg)
	case broadcastReaction:
		var r ReactionEvent
		if err := json.Unmarshal(bp.Payload, &r); err != nil {
			s.m.logger.Warn("undecodable reaction event", zap.Error(err), zap.String("group_id", s.groupID))
			return
		}
		if r.GroupID == "" {
			r.GroupID = s.groupID
		}
		s.m.handler.OnReaction(&r)
	}
}

func (s *subscription) handlePresence(raw json.RawMessage) {
	var diff presenceDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		s.m.logger.Warn("undecodable presence frame", zap.Error(err), zap.String("group_id", s.groupID))
		return
	}
	change := PresenceChange{GroupID: s.groupID}
	for key := range diff.Joins {
		change.Joined = append(change.Joined, key)
	}
	for key := range diff.Leaves {
		change.Left = append(change.Left, key)
	}
	if len(change.Joined) == 0 && len(change.Left) == 0 {
		return
	}
	s.m.bus.Publish(bus.Event{
		Kind:      bus.KindPresence,
		Timestamp: s.m.clk.Now(),
		Payload:   change,
	})
}

// pollUntilNudge is the degraded mode after the reconnect ladder is
// exhausted: fetch periodically instead of pushing, until something nudges
// a fresh connect attempt. Returns false when the context ended.
func (s *subscription) pollUntilNudge(ctx context.Context) bool {
	s.setState(StatePolling)
	s.m.logger.Warn("channel degraded to polling", zap.String("group_id", s.groupID))
	for {
		select {
		case <-s.m.clk.After(s.m.pollPeriod):
			s.m.poller.PollGroup(ctx, s.groupID)
		case <-s.nudge:
			return true
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return false
		}
	}
}

// waitOrNudge sleeps out a reconnect delay, cut short by a nudge. Returns
// false when the context ended.
func (s *subscription) waitOrNudge(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.m.clk.After(d):
		return true
	case <-s.nudge:
		return true
	case <-ctx.Done():
		s.setState(StateDisconnected)
		return false
	}
}

// forceReconnect cuts the current connection (or wait) so the run loop
// dials again promptly. A connect attempt already in flight is left alone.
func (s *subscription) forceReconnect() {
	s.m.mu.Lock()
	if s.state == StateConnecting {
		s.m.mu.Unlock()
		return
	}
	cancel := s.connCancel
	s.m.mu.Unlock()

	select {
	case s.nudge <- struct{}{}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

func (s *subscription) setIdentity(identity string) {
	s.m.mu.Lock()
	s.identity = identity
	s.m.mu.Unlock()
}

func (s *subscription) setState(st State) {
	s.m.mu.Lock()
	if s.state == st {
		s.m.mu.Unlock()
		return
	}
	s.state = st
	s.m.mu.Unlock()

	s.m.bus.Publish(bus.Event{
		Kind:      bus.KindRealtimeState,
		Timestamp: s.m.clk.Now(),
		Payload:   StateChange{GroupID: s.groupID, State: st},
	})
}

func writeFrame(ctx context.Context, conn Conn, f *Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

func readFrame(ctx context.Context, conn Conn) (*Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
