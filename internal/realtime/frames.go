package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Phoenix channel events used by the realtime service.
const (
	evtJoin      = "phx_join"
	evtReply     = "phx_reply"
	evtClose     = "phx_close"
	evtError     = "phx_error"
	evtHeartbeat = "heartbeat"
	evtBroadcast = "broadcast"

	evtPresenceState = "presence_state"
	evtPresenceDiff  = "presence_diff"

	// Broadcast sub-events carried inside an evtBroadcast frame.
	broadcastMessage  = "new_message"
	broadcastReaction = "message_reaction"

	// heartbeatTopic is the reserved topic for connection keepalives.
	heartbeatTopic = "phoenix"
)

// topicPrefix namespaces one channel per group.
const topicPrefix = "realtime:group:"

// Frame is one phoenix-style channel frame.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// joinPayload authenticates and configures a channel join.
type joinPayload struct {
	AccessToken string     `json:"access_token"`
	Config      joinConfig `json:"config"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
}

// replyPayload is the body of a phx_reply frame.
type replyPayload struct {
	Status string `json:"status"`
}

// broadcastPayload wraps a domain event inside a broadcast frame.
type broadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// presenceDiff carries joins and leaves keyed by presence key.
type presenceDiff struct {
	Joins  map[string]json.RawMessage `json:"joins"`
	Leaves map[string]json.RawMessage `json:"leaves"`
}

// refCounter mints monotonically increasing frame refs.
type refCounter struct {
	n atomic.Int64
}

func (r *refCounter) next() string {
	return strconv.FormatInt(r.n.Add(1), 10)
}

func groupTopic(groupID string) string {
	return topicPrefix + groupID
}

func newJoinFrame(topic, ref, accessToken, presenceKey string) (*Frame, error) {
	p := joinPayload{AccessToken: accessToken}
	p.Config.Presence.Key = presenceKey
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode join payload: %w", err)
	}
	return &Frame{Topic: topic, Event: evtJoin, Payload: raw, Ref: ref}, nil
}

func newHeartbeatFrame(ref string) *Frame {
	return &Frame{Topic: heartbeatTopic, Event: evtHeartbeat, Payload: json.RawMessage(`{}`), Ref: ref}
}
