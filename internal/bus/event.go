package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by prefix,
// so related kinds share a namespace ("message.", "realtime.", ...).
const (
	// KindMessageUpserted fires when a new message row appears in the
	// store (optimistic send, realtime delivery, or catch-up fetch).
	KindMessageUpserted = "message.upserted"

	// KindMessageConfirmed fires when an already-rendered row changed
	// delivery status only. The view layer must not re-render the row.
	KindMessageConfirmed = "message.confirmed"

	// KindMessageSendFailed fires when a message exhausted its retries.
	KindMessageSendFailed = "message.send_failed"

	// KindMessageReaction fires when a reaction/vote count changed.
	KindMessageReaction = "message.reaction"

	// KindOutboxNudge asks the drain worker to run promptly.
	KindOutboxNudge = "outbox.nudge"

	// KindRealtimeState carries a realtime.StateChange payload.
	KindRealtimeState = "realtime.state_changed"

	// KindRealtimeConnected fires when a group channel reaches connected.
	KindRealtimeConnected = "realtime.connected"

	// KindRealtimeDead fires when liveness monitoring declares a channel dead.
	KindRealtimeDead = "realtime.dead"

	// KindPresence carries typing/online presence for a group.
	KindPresence = "realtime.presence"

	// KindGroupUnread fires once per newly reconciled message whose group
	// is not the active one.
	KindGroupUnread = "group.unread"

	// KindViewRefresh asks the view layer to refresh the active group.
	KindViewRefresh = "view.refresh"

	// KindNetOnline signals a network-online transition from the platform.
	KindNetOnline = "platform.net_online"

	// KindAppResumed / KindAppPaused signal app lifecycle transitions.
	KindAppResumed = "platform.app_resumed"
	KindAppPaused  = "platform.app_paused"
)

// MessageRef identifies a message row in event payloads.
type MessageRef struct {
	GroupID string
	MsgID   string
}

// SendFailure is the payload for KindMessageSendFailed.
type SendFailure struct {
	GroupID    string
	ClientKey  string
	Reason     string
	RetryCount int
}
