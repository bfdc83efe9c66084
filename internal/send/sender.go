// Package send implements the direct-send path: deliver synchronously when
// the connection is healthy, otherwise fall back to the durable outbox.
// Queuing is a successful outcome, not an error.
package send

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/outbox"
	"github.com/confessr/chatd/internal/store"
)

// fanoutTimeout bounds the best-effort notification ping after delivery.
const fanoutTimeout = 3 * time.Second

// previewLen caps the group preview stored alongside the last message.
const previewLen = 120

// Result is the outcome of a send. Callers treat Queued and
// QueuedAfterFailure identically: optimistic local render, eventual
// confirmation through the drain worker.
type Result int

const (
	Delivered Result = iota
	Queued
	QueuedAfterFailure
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case QueuedAfterFailure:
		return "queued_after_failure"
	}
	return "unknown"
}

// Backend is the slice of the backend client the sender consumes.
type Backend interface {
	UpsertMessage(ctx context.Context, m *backend.OutboundMessage) (*backend.ServerMessage, error)
	NotifyFanout(ctx context.Context, groupID, msgID string)
}

// Health is the slice of the connection health monitor the sender consumes.
type Health interface {
	IsHealthy() bool
	RecordSuccess()
	RecordFailure()
	RefreshSessionBounded(ctx context.Context, bound time.Duration) bool
}

// Request describes an outgoing message before it has an identity.
type Request struct {
	GroupID       string
	UserID        string
	Content       string
	MessageType   string
	ParentID      string
	AttachmentURL string
	Category      string
	IsGhost       bool
}

// Sender owns the direct-send path and doubles as the drain worker's
// delivery primitive.
type Sender struct {
	backend Backend
	health  Health
	db      *store.DB
	queue   *outbox.Queue
	bus     *bus.Bus
	clk     clock.Clock
	logger  *zap.Logger

	attemptTimeout time.Duration
	attempts       int
	attemptGap     time.Duration
	refreshBound   time.Duration
}

// NewSender creates the direct-send path.
func NewSender(b Backend, h Health, db *store.DB, q *outbox.Queue, eb *bus.Bus, clk clock.Clock, attemptTimeout time.Duration, attempts int, logger *zap.Logger) *Sender {
	return &Sender{
		backend:        b,
		health:         h,
		db:             db,
		queue:          q,
		bus:            eb,
		clk:            clk,
		logger:         logger,
		attemptTimeout: attemptTimeout,
		attempts:       attempts,
		attemptGap:     500 * time.Millisecond,
		refreshBound:   time.Second,
	}
}

// Send persists an optimistic local row, then either delivers directly or
// queues to the outbox. The returned message carries the client key as its
// id until delivery is confirmed. A store write failure is the one error
// class that propagates: silent loss here means silent message loss.
func (s *Sender) Send(ctx context.Context, req *Request) (Result, *store.Message, error) {
	now := s.clk.Now().UnixMilli()
	msg := &store.Message{
		GroupID:       req.GroupID,
		MsgID:         uuid.NewString(),
		UserID:        req.UserID,
		Content:       req.Content,
		MessageType:   req.MessageType,
		ParentID:      req.ParentID,
		AttachmentURL: req.AttachmentURL,
		Category:      req.Category,
		IsGhost:       req.IsGhost,
		Status:        store.StatusPending,
		CreatedAt:     now,
	}
	if err := s.db.UpsertMessage(msg); err != nil {
		return 0, nil, fmt.Errorf("persist outgoing message: %w", err)
	}
	if err := s.db.TouchGroup(req.GroupID, now, preview(req.Content)); err != nil {
		s.logger.Warn("failed to touch group", zap.Error(err), zap.String("group_id", req.GroupID))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: s.clk.Now(),
		Payload:   bus.MessageRef{GroupID: msg.GroupID, MsgID: msg.MsgID},
	})

	entry := &store.OutboxEntry{
		ClientKey:     msg.MsgID,
		GroupID:       req.GroupID,
		UserID:        req.UserID,
		Content:       req.Content,
		MessageType:   req.MessageType,
		ParentID:      req.ParentID,
		AttachmentURL: req.AttachmentURL,
		CreatedAt:     now,
	}

	if !s.health.IsHealthy() {
		if err := s.queue.Enqueue(entry); err != nil {
			return 0, nil, err
		}
		return Queued, msg, nil
	}

	serverID, err := s.attemptDirect(ctx, entry)
	if err != nil {
		s.health.RecordFailure()
		s.logger.Warn("direct send failed, queueing",
			zap.Error(err),
			zap.String("client_key", entry.ClientKey),
		)
		if qerr := s.queue.Enqueue(entry); qerr != nil {
			return 0, nil, qerr
		}
		return QueuedAfterFailure, msg, nil
	}

	s.health.RecordSuccess()
	s.confirm(msg, serverID)
	return Delivered, msg, nil
}

// Deliver performs one delivery attempt for a queued entry. The drain
// worker owns the attempt timeout and confirmation bookkeeping.
func (s *Sender) Deliver(ctx context.Context, e *store.OutboxEntry) (string, error) {
	row, err := s.upsertOnce(ctx, e)
	if err != nil {
		s.health.RecordFailure()
		return "", err
	}
	s.health.RecordSuccess()
	s.fanout(e.GroupID, row.ID)
	return row.ID, nil
}

// attemptDirect runs the bounded direct attempts: fixed gap between
// attempts, and on an auth rejection exactly one quick token refresh
// followed by a single retry.
func (s *Sender) attemptDirect(ctx context.Context, e *store.OutboxEntry) (string, error) {
	var lastErr error
	refreshed := false

	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			if err := clock.Sleep(ctx, s.clk, s.attemptGap); err != nil {
				return "", err
			}
		}

		actx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		row, err := s.upsertOnce(actx, e)
		cancel()
		if err == nil {
			return row.ID, nil
		}
		lastErr = err

		if backend.IsAuthRejected(err) && !refreshed {
			refreshed = true
			s.health.RefreshSessionBounded(ctx, s.refreshBound)
			actx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
			row, err = s.upsertOnce(actx, e)
			cancel()
			if err == nil {
				return row.ID, nil
			}
			lastErr = err
		}

		// Validation and other permanent rejections will not improve on
		// an immediate retry. Let the outbox own any further attempts.
		if !backend.IsTransient(lastErr) && !backend.IsAuthRejected(lastErr) {
			break
		}
	}
	return "", lastErr
}

func (s *Sender) upsertOnce(ctx context.Context, e *store.OutboxEntry) (*backend.ServerMessage, error) {
	return s.backend.UpsertMessage(ctx, &backend.OutboundMessage{
		ClientKey:     e.ClientKey,
		GroupID:       e.GroupID,
		UserID:        e.UserID,
		Content:       e.Content,
		MessageType:   e.MessageType,
		ParentID:      e.ParentID,
		AttachmentURL: e.AttachmentURL,
	})
}

// confirm swaps the optimistic row over to the server id and announces the
// status change. The view layer must not re-render the row for this event.
func (s *Sender) confirm(msg *store.Message, serverID string) {
	if err := s.db.RekeyMessage(msg.GroupID, msg.MsgID, serverID); err != nil {
		s.logger.Error("failed to confirm local row", zap.Error(err), zap.String("client_key", msg.MsgID))
	}
	s.logger.Info("message delivered directly",
		zap.String("client_key", msg.MsgID),
		zap.String("server_id", serverID),
	)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageConfirmed,
		Timestamp: s.clk.Now(),
		Payload:   bus.MessageRef{GroupID: msg.GroupID, MsgID: serverID},
	})
	s.fanout(msg.GroupID, serverID)
}

// fanout fires the best-effort notification ping. Detached from the send
// context so cancellation never turns a delivered message into a missed
// notification, and its failure never fails the send.
func (s *Sender) fanout(groupID, serverID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
		defer cancel()
		s.backend.NotifyFanout(ctx, groupID, serverID)
	}()
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLen {
		return content
	}
	return string(r[:previewLen])
}
