package outbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/store"
)

// drainTick is the safety interval between scheduled drain passes; nudges
// and reconnects trigger earlier runs.
const drainTick = 30 * time.Second

// Deliverer performs one delivery attempt for an outbox entry. Returns the
// server-assigned message id on success.
type Deliverer interface {
	Deliver(ctx context.Context, e *store.OutboxEntry) (serverID string, err error)
}

// Worker drains the outbox with per-entry bounded attempts and jittered,
// capped backoff. Single-flight: a drain in progress coalesces concurrent
// triggers into at most one follow-up pass.
type Worker struct {
	db         *store.DB
	deliverer  Deliverer
	bus        *bus.Bus
	clk        clock.Clock
	logger     *zap.Logger
	maxRetries int
	base       time.Duration
	cap        time.Duration
	attemptTO  time.Duration

	mu       sync.Mutex
	draining bool
	rerun    bool

	cancel context.CancelFunc
}

// NewWorker creates the drain worker.
func NewWorker(db *store.DB, d Deliverer, b *bus.Bus, clk clock.Clock, maxRetries int, base, backoffCap, attemptTimeout time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		db:         db,
		deliverer:  d,
		bus:        b,
		clk:        clk,
		logger:     logger,
		maxRetries: maxRetries,
		base:       base,
		cap:        backoffCap,
		attemptTO:  attemptTimeout,
	}
}

// Start begins listening for drain triggers: enqueue nudges, realtime
// reconnection, network-online transitions, and a periodic safety tick.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	ch, unsub := w.bus.Subscribe("", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindOutboxNudge, bus.KindRealtimeConnected, bus.KindNetOnline, bus.KindAppResumed:
					w.Trigger(ctx)
				}
			case <-w.clk.After(drainTick):
				w.Trigger(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the worker loop.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Trigger requests a drain pass. If one is already running the request is
// coalesced into a single follow-up pass, never queued.
func (w *Worker) Trigger(ctx context.Context) {
	w.mu.Lock()
	if w.draining {
		w.rerun = true
		w.mu.Unlock()
		return
	}
	w.draining = true
	w.mu.Unlock()

	go func() {
		for {
			w.drain(ctx)
			w.mu.Lock()
			if !w.rerun || ctx.Err() != nil {
				w.draining = false
				w.mu.Unlock()
				return
			}
			w.rerun = false
			w.mu.Unlock()
		}
	}()
}

// drain runs one pass over all due entries. It proceeds even when health is
// degraded: the per-item timeout and backoff bound the damage, while
// skipping entirely risks silently starving queued messages. One entry's
// failure never aborts the rest of the batch.
func (w *Worker) drain(ctx context.Context) {
	due, err := w.db.ListDueOutbox(w.clk.Now().UnixMilli())
	if err != nil {
		w.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	w.logger.Info("draining outbox", zap.Int("due", len(due)))

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		w.processEntry(ctx, &due[i])
	}
}

func (w *Worker) processEntry(ctx context.Context, e *store.OutboxEntry) {
	actx, cancel := context.WithTimeout(ctx, w.attemptTO)
	serverID, err := w.deliverer.Deliver(actx, e)
	cancel()

	if err == nil {
		w.confirm(e, serverID)
		return
	}

	retries := e.RetryCount + 1
	if retries > w.maxRetries {
		w.fail(e, err)
		return
	}

	delay := w.jitter(NextDelay(w.base, w.cap, retries))
	nextAt := w.clk.Now().Add(delay).UnixMilli()
	if dbErr := w.db.MarkOutboxRetry(e.ID, retries, nextAt); dbErr != nil {
		w.logger.Error("failed to schedule retry", zap.Error(dbErr), zap.String("client_key", e.ClientKey))
		return
	}
	w.logger.Warn("delivery attempt failed",
		zap.Error(err),
		zap.String("client_key", e.ClientKey),
		zap.Int("retry", retries),
		zap.Duration("backoff", delay),
	)
}

func (w *Worker) confirm(e *store.OutboxEntry, serverID string) {
	if err := w.db.DeleteOutbox(e.ID); err != nil {
		w.logger.Error("failed to remove delivered entry", zap.Error(err), zap.String("client_key", e.ClientKey))
	}
	if err := w.db.RekeyMessage(e.GroupID, e.ClientKey, serverID); err != nil {
		w.logger.Error("failed to confirm local row", zap.Error(err), zap.String("client_key", e.ClientKey))
	}

	w.logger.Info("queued message delivered",
		zap.String("client_key", e.ClientKey),
		zap.String("server_id", serverID),
	)
	w.bus.Publish(bus.Event{
		Kind:      bus.KindMessageConfirmed,
		Timestamp: w.clk.Now(),
		Payload:   bus.MessageRef{GroupID: e.GroupID, MsgID: serverID},
	})
}

// fail removes an entry permanently and reports a terminal failure for
// that message only.
func (w *Worker) fail(e *store.OutboxEntry, cause error) {
	if err := w.db.DeleteOutbox(e.ID); err != nil {
		w.logger.Error("failed to remove dead entry", zap.Error(err), zap.String("client_key", e.ClientKey))
		return
	}
	if err := w.db.UpdateMessageStatus(e.GroupID, e.ClientKey, store.StatusFailed); err != nil {
		w.logger.Error("failed to mark local row failed", zap.Error(err), zap.String("client_key", e.ClientKey))
	}

	w.logger.Error("message failed permanently",
		zap.Error(cause),
		zap.String("client_key", e.ClientKey),
		zap.Int("retries", e.RetryCount),
	)
	w.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: w.clk.Now(),
		Payload: bus.SendFailure{
			GroupID:    e.GroupID,
			ClientKey:  e.ClientKey,
			Reason:     cause.Error(),
			RetryCount: e.RetryCount,
		},
	})
}

// jitter adds up to 25% on top of a delay so synchronized retries spread out.
func (w *Worker) jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// NextDelay returns the backoff before the given retry attempt:
// base doubling per retry, capped at limit. Non-decreasing by construction.
func NextDelay(base, limit time.Duration, retry int) time.Duration {
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
