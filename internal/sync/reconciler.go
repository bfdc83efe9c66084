// Package sync reconciles inbound message deliveries into the local store
// and recovers everything missed while live updates were down.
package sync

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/realtime"
	"github.com/confessr/chatd/internal/store"
)

const previewLen = 120

// Reconciler is the single entry point for inbound deliveries. Realtime
// events, push payloads, and catch-up fetches all land here, in arbitrary
// order and with arbitrary duplication, so every path must be idempotent.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	clk    clock.Clock
	active *Active
	logger *zap.Logger
}

// NewReconciler creates the delivery reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, clk clock.Clock, active *Active, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, bus: b, clk: clk, active: active, logger: logger}
}

// Reconcile lands one server message locally. An already-known row gets a
// status-only update and a confirmation event, never a second row and
// never a re-render. A store failure propagates: swallowing it here means
// silent message loss.
func (r *Reconciler) Reconcile(m *backend.ServerMessage) error {
	existing, err := r.db.GetMessage(m.GroupID, m.ID)
	if err != nil {
		return fmt.Errorf("reconcile lookup: %w", err)
	}
	if existing != nil {
		return r.confirmExisting(m, existing)
	}

	// An optimistic row from our own send may still sit under its client
	// key. Rekey it instead of inserting the server row alongside it.
	if m.ClientKey != "" {
		pending, err := r.db.GetMessage(m.GroupID, m.ClientKey)
		if err != nil {
			return fmt.Errorf("reconcile lookup: %w", err)
		}
		if pending != nil {
			if err := r.db.RekeyMessage(m.GroupID, m.ClientKey, m.ID); err != nil {
				return fmt.Errorf("reconcile rekey: %w", err)
			}
			r.publishConfirmed(m)
			return nil
		}
	}

	return r.insertNew(m)
}

func (r *Reconciler) confirmExisting(m *backend.ServerMessage, existing *store.Message) error {
	if existing.Status == store.StatusDelivered {
		return nil
	}
	if err := r.db.UpdateMessageStatus(m.GroupID, m.ID, store.StatusDelivered); err != nil {
		return fmt.Errorf("reconcile status update: %w", err)
	}
	r.publishConfirmed(m)
	return nil
}

func (r *Reconciler) insertNew(m *backend.ServerMessage) error {
	createdAt := m.CreatedAtMillis()
	if createdAt == 0 {
		createdAt = r.clk.Now().UnixMilli()
	}
	row := &store.Message{
		GroupID:       m.GroupID,
		MsgID:         m.ID,
		UserID:        m.UserID,
		Content:       m.Content,
		MessageType:   m.MessageType,
		ParentID:      m.ParentID,
		AttachmentURL: m.AttachmentURL,
		Category:      m.Category,
		IsGhost:       m.IsGhost,
		Status:        store.StatusDelivered,
		CreatedAt:     createdAt,
	}
	if err := r.db.UpsertMessage(row); err != nil {
		return fmt.Errorf("reconcile insert: %w", err)
	}
	if err := r.db.TouchGroup(m.GroupID, createdAt, preview(m.Content)); err != nil {
		r.logger.Warn("failed to touch group", zap.Error(err), zap.String("group_id", m.GroupID))
	}
	if m.ParentID != "" {
		if err := r.db.IncrementReplyCount(m.GroupID, m.ParentID); err != nil {
			r.logger.Warn("failed to bump reply count", zap.Error(err), zap.String("parent_id", m.ParentID))
		}
	}

	now := r.clk.Now()
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: now,
		Payload:   bus.MessageRef{GroupID: m.GroupID, MsgID: m.ID},
	})

	if r.active.Get() == m.GroupID {
		r.bus.Publish(bus.Event{Kind: bus.KindViewRefresh, Timestamp: now, Payload: m.GroupID})
		return nil
	}
	if err := r.db.IncrementUnread(m.GroupID); err != nil {
		r.logger.Warn("failed to bump unread count", zap.Error(err), zap.String("group_id", m.GroupID))
	}
	r.bus.Publish(bus.Event{Kind: bus.KindGroupUnread, Timestamp: now, Payload: m.GroupID})
	return nil
}

func (r *Reconciler) publishConfirmed(m *backend.ServerMessage) {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageConfirmed,
		Timestamp: r.clk.Now(),
		Payload:   bus.MessageRef{GroupID: m.GroupID, MsgID: m.ID},
	})
}

// OnMessage feeds realtime deliveries into the reconciler.
func (r *Reconciler) OnMessage(m *backend.ServerMessage) {
	if err := r.Reconcile(m); err != nil {
		r.logger.Error("failed to reconcile realtime message", zap.Error(err), zap.String("msg_id", m.ID))
	}
}

// OnReaction applies a vote count change to the message row.
func (r *Reconciler) OnReaction(e *realtime.ReactionEvent) {
	if err := r.db.SetVoteCount(e.GroupID, e.MessageID, e.VoteCount); err != nil {
		r.logger.Error("failed to apply reaction", zap.Error(err), zap.String("msg_id", e.MessageID))
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageReaction,
		Timestamp: r.clk.Now(),
		Payload:   bus.MessageRef{GroupID: e.GroupID, MsgID: e.MessageID},
	})
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen])
}
