// Package push accepts push-notification payloads from the platform
// bridge. A payload carrying a full message body is persisted directly
// with no network round trip; an id-only payload triggers a short bounded
// fetch.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/clock"
)

const (
	fetchTimeout = 3 * time.Second
	retryDelay   = 500 * time.Millisecond
)

// ErrNotFound reports an id-only payload whose message the backend does
// not know.
var ErrNotFound = errors.New("pushed message not found")

// Payload is the opaque notification body. Only MessageID and GroupID are
// guaranteed; the rest is present when the sender included the full body.
type Payload struct {
	MessageID     string `json:"message_id"`
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id,omitempty"`
	Content       string `json:"content,omitempty"`
	MessageType   string `json:"message_type,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Category      string `json:"category,omitempty"`
	IsGhost       bool   `json:"is_ghost,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// full reports whether the payload carries enough to persist without a
// fetch.
func (p *Payload) full() bool {
	return p.Content != "" || p.AttachmentURL != ""
}

// Reconciler lands a server message locally.
type Reconciler interface {
	Reconcile(m *backend.ServerMessage) error
}

// Fetcher resolves an id-only payload to the full row.
type Fetcher interface {
	FetchByID(ctx context.Context, msgID string) (*backend.ServerMessage, error)
}

// Intake turns push payloads into reconciled rows.
type Intake struct {
	rec     Reconciler
	fetcher Fetcher
	clk     clock.Clock
	logger  *zap.Logger
}

// NewIntake creates the push intake.
func NewIntake(rec Reconciler, f Fetcher, clk clock.Clock, logger *zap.Logger) *Intake {
	return &Intake{rec: rec, fetcher: f, clk: clk, logger: logger}
}

// Handle processes one payload. The fast path persists the carried body
// straight through the reconciler; the slow path fetches by id with a
// short timeout and exactly one retry.
func (i *Intake) Handle(ctx context.Context, p *Payload) error {
	if p.MessageID == "" {
		return errors.New("push payload missing message id")
	}

	if p.full() {
		i.logger.Debug("push fast path", zap.String("msg_id", p.MessageID))
		return i.rec.Reconcile(&backend.ServerMessage{
			ID:            p.MessageID,
			GroupID:       p.GroupID,
			UserID:        p.UserID,
			Content:       p.Content,
			MessageType:   p.MessageType,
			ParentID:      p.ParentID,
			AttachmentURL: p.AttachmentURL,
			Category:      p.Category,
			IsGhost:       p.IsGhost,
			CreatedAt:     p.CreatedAt,
		})
	}

	msg, err := i.fetchBounded(ctx, p.MessageID)
	if err != nil {
		i.logger.Warn("push fetch failed, retrying once", zap.Error(err), zap.String("msg_id", p.MessageID))
		if serr := clock.Sleep(ctx, i.clk, retryDelay); serr != nil {
			return serr
		}
		msg, err = i.fetchBounded(ctx, p.MessageID)
	}
	if err != nil {
		return fmt.Errorf("push fetch: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, p.MessageID)
	}
	return i.rec.Reconcile(msg)
}

func (i *Intake) fetchBounded(ctx context.Context, msgID string) (*backend.ServerMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return i.fetcher.FetchByID(fctx, msgID)
}
