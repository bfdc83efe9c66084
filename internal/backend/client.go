package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// httpClientTimeout is the outer bound on any single REST call. Every
	// caller additionally passes its own per-attempt context deadline.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024
)

// Client talks to the hosted backend's REST and auth surfaces. One instance
// is constructed at startup and injected into every component that needs the
// network; the bearer token is the only mutable state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	anonKey    string
	logger     *zap.Logger

	mu     sync.RWMutex
	bearer string
}

// NewClient creates a backend client. If httpClient is nil, one with a
// 30-second timeout is created.
func NewClient(baseURL, anonKey string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		logger:     logger,
	}
}

// SetBearer installs the access token applied to subsequent requests.
// Requests never go through session negotiation: whatever token is cached
// here is used directly, stale-but-present beats none.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

// Bearer returns the currently cached access token.
func (c *Client) Bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

// RealtimeURL returns the websocket endpoint for the realtime service.
func (c *Client) RealtimeURL() string {
	u := strings.Replace(c.baseURL, "http", "ws", 1)
	return u + "/realtime/v1/websocket?apikey=" + url.QueryEscape(c.anonKey) + "&vsn=1.0.0"
}

// OutboundMessage is the row shape sent to the messages resource.
type OutboundMessage struct {
	ClientKey     string `json:"client_key"`
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	ParentID      string `json:"parent_id,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// ServerMessage is a message row as the backend returns it.
type ServerMessage struct {
	ID            string `json:"id"`
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	ParentID      string `json:"parent_id"`
	AttachmentURL string `json:"attachment_url"`
	Category      string `json:"category"`
	IsGhost       bool   `json:"is_ghost"`
	ClientKey     string `json:"client_key"`
	CreatedAt     string `json:"created_at"`
}

// CreatedAtMillis parses the row's ISO-8601 timestamp to unix milliseconds.
func (m *ServerMessage) CreatedAtMillis() int64 {
	return ParseTimestamp(m.CreatedAt)
}

// ParseTimestamp converts an ISO-8601 timestamp to unix milliseconds,
// returning 0 when unparseable.
func ParseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// FormatTimestamp converts unix milliseconds to the backend's wire format.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// UpsertMessage delivers a message with the client key as the conflict
// target, so repeated attempts never create duplicate rows server-side.
// Returns the canonical server row.
func (c *Client) UpsertMessage(ctx context.Context, m *OutboundMessage) (*ServerMessage, error) {
	endpoint := "/rest/v1/messages?on_conflict=client_key"
	var rows []ServerMessage
	err := c.do(ctx, http.MethodPost, endpoint, m, &rows, map[string]string{
		"Prefer": "resolution=merge-duplicates,return=representation",
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{Kind: KindUnknown, Err: fmt.Errorf("upsert returned no rows")}
	}
	return &rows[0], nil
}

// QuerySince fetches messages for a group created at or after sinceMs,
// ordered ascending, capped at limit.
func (c *Client) QuerySince(ctx context.Context, groupID string, sinceMs int64, limit int) ([]ServerMessage, error) {
	endpoint := "/rest/v1/messages?group_id=eq." + url.QueryEscape(groupID) +
		"&created_at=gte." + url.QueryEscape(FormatTimestamp(sinceMs)) +
		"&order=created_at.asc&limit=" + strconv.Itoa(limit)
	var rows []ServerMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows, nil); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchByID fetches a single message row, or nil when the id is unknown.
func (c *Client) FetchByID(ctx context.Context, msgID string) (*ServerMessage, error) {
	endpoint := "/rest/v1/messages?id=eq." + url.QueryEscape(msgID) + "&limit=1"
	var rows []ServerMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows, nil); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// NotifyFanout asks the push fan-out function to notify group members of a
// delivered message. Best-effort: errors are logged, never propagated.
func (c *Client) NotifyFanout(ctx context.Context, groupID, msgID string) {
	body := map[string]string{"group_id": groupID, "message_id": msgID}
	if err := c.do(ctx, http.MethodPost, "/functions/v1/notify-message", body, nil, nil); err != nil {
		c.logger.Debug("notify fan-out failed", zap.Error(err), zap.String("msg_id", msgID))
	}
}

// do sends one JSON request with the anon key and cached bearer applied,
// classifying any failure at this single boundary.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	if bearer := c.Bearer(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(fmt.Errorf("%s %s: %w", method, endpoint, err), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classify(fmt.Errorf("read response from %s: %w", endpoint, err), 0)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("backend request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return classify(nil, resp.StatusCode)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response from %s: %w", endpoint, err)
		}
	}
	return nil
}
