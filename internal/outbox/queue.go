// Package outbox is the durable local queue of messages pending confirmed
// delivery, and the worker that drains it.
package outbox

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/store"
)

// nudgeDebounce suppresses duplicate drain nudges from a burst of enqueues.
const nudgeDebounce = 100 * time.Millisecond

// Queue wraps the persisted outbox table. Entries survive process death;
// only confirmed delivery or permanent failure removes them.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	lastNudge time.Time
}

// NewQueue creates the durable outbox.
func NewQueue(db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Queue {
	return &Queue{db: db, bus: b, clk: clk, logger: logger}
}

// Enqueue persists an entry with retry_count=0 and an immediately-due retry
// time, then nudges the drain worker. A persistence failure propagates to
// the caller; it is the one error class that must never be swallowed.
func (q *Queue) Enqueue(e *store.OutboxEntry) error {
	now := q.clk.Now().UnixMilli()
	e.NextRetryAt = now
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if err := q.db.EnqueueOutbox(e); err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}

	q.logger.Info("message queued",
		zap.String("client_key", e.ClientKey),
		zap.String("group_id", e.GroupID),
	)
	q.nudge()
	return nil
}

// ListDue returns entries due at now, oldest first.
func (q *Queue) ListDue() ([]store.OutboxEntry, error) {
	return q.db.ListDueOutbox(q.clk.Now().UnixMilli())
}

// nudge publishes a debounced drain request so delivery is attempted
// promptly rather than at the next scheduled tick.
func (q *Queue) nudge() {
	q.mu.Lock()
	now := q.clk.Now()
	if now.Sub(q.lastNudge) < nudgeDebounce {
		q.mu.Unlock()
		return
	}
	q.lastNudge = now
	q.mu.Unlock()

	q.bus.Publish(bus.Event{Kind: bus.KindOutboxNudge, Timestamp: now})
}
