package store

// Delivery status values for a message row.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Group represents a conversation the client participates in.
type Group struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
}

// Message is the canonical local form of a delivered or pending message.
// MsgID is the server-assigned id once delivered, or the client key before.
type Message struct {
	ID            int64  `json:"id"`
	GroupID       string `json:"group_id"`
	MsgID         string `json:"msg_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	ParentID      string `json:"parent_id"`
	AttachmentURL string `json:"attachment_url"`
	Category      string `json:"category"`
	IsGhost       bool   `json:"is_ghost"`
	Status        string `json:"status"`
	ReplyCount    int    `json:"reply_count"`
	VoteCount     int    `json:"vote_count"`
	CreatedAt     int64  `json:"created_at"`
}

// OutboxEntry represents one not-yet-confirmed outgoing message.
// ClientKey doubles as the server-side conflict key, so repeated delivery
// attempts never create duplicate rows.
type OutboxEntry struct {
	ID            int64  `json:"id"`
	ClientKey     string `json:"client_key"`
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	ParentID      string `json:"parent_id"`
	AttachmentURL string `json:"attachment_url"`
	RetryCount    int    `json:"retry_count"`
	NextRetryAt   int64  `json:"next_retry_at"`
	CreatedAt     int64  `json:"created_at"`
}
