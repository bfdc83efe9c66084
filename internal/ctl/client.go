// Package ctl is the HTTP client side of the daemon's control surface,
// used by chatctl. It discovers the daemon through the profile port file.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/confessr/chatd/internal/profile"
	"github.com/confessr/chatd/internal/store"
)

// Client talks to a running chatd over its loopback control port.
type Client struct {
	baseURL string
	http    *http.Client
}

// New reads the profile's port file and returns a client bound to that
// daemon. Fails if the daemon is not running (no port file).
func New(profileName string) (*Client, error) {
	raw, err := os.ReadFile(profile.PortFilePath(profileName))
	if err != nil {
		return nil, fmt.Errorf("daemon not running for profile %q: %w", profileName, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid port file for profile %q: %w", profileName, err)
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// StatusResponse mirrors the daemon's GET /status body.
type StatusResponse struct {
	Profile       string            `json:"profile"`
	PID           int               `json:"pid"`
	ActiveGroup   string            `json:"active_group"`
	OutboxPending int               `json:"outbox_pending"`
	Groups        int               `json:"groups"`
	Health        HealthSnapshot    `json:"health"`
	Realtime      map[string]string `json:"realtime"`
	EventsDropped int64             `json:"events_dropped"`
}

// HealthSnapshot mirrors the monitor snapshot the daemon reports.
type HealthSnapshot struct {
	Healthy      bool      `json:"healthy"`
	Failures     int       `json:"consecutive_failures"`
	BreakerOpen  bool      `json:"breaker_open"`
	TokenExpiry  time.Time `json:"token_expiry"`
	LastAuthOK   time.Time `json:"last_auth_ok"`
	HasToken     bool      `json:"has_token"`
	RefreshToken bool      `json:"has_refresh_token"`
}

// SendRequest mirrors the daemon's POST /send body.
type SendRequest struct {
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id,omitempty"`
	Content       string `json:"content,omitempty"`
	MessageType   string `json:"message_type,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Category      string `json:"category,omitempty"`
	IsGhost       bool   `json:"is_ghost,omitempty"`
}

// SendResponse reports how the daemon disposed of the message.
type SendResponse struct {
	Result string `json:"result"`
	MsgID  string `json:"msg_id"`
	Group  string `json:"group"`
}

// LoginResponse carries the session expiry after a password grant.
type LoginResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Groups(ctx context.Context) ([]store.Group, error) {
	var out struct {
		Groups []store.Group `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Client) Outbox(ctx context.Context) ([]store.OutboxEntry, error) {
	var out struct {
		Entries []store.OutboxEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/outbox", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var out SendResponse
	if err := c.do(ctx, http.MethodPost, "/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Messages(ctx context.Context, groupID string, before int64, limit int) ([]store.Message, error) {
	path := "/groups/" + groupID + "/messages"
	params := []string{}
	if before > 0 {
		params = append(params, "before="+strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Rename(ctx context.Context, groupID, name string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+groupID+"/rename", map[string]string{"name": name}, nil)
}

func (c *Client) Activate(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+groupID+"/activate", nil, nil)
}

func (c *Client) PurgeGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+groupID, nil, nil)
}

// Platform reports a platform transition: "online", "resumed" or "paused".
func (c *Client) Platform(ctx context.Context, event string) error {
	return c.do(ctx, http.MethodPost, "/platform/"+event, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
