package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/store"
)

// fetchConcurrency bounds parallel per-group catch-up fetches.
const fetchConcurrency = 4

// Fetcher is the slice of the backend client recovery consumes. The
// implementation applies the cached bearer token directly; nothing on this
// path may block on session negotiation.
type Fetcher interface {
	QuerySince(ctx context.Context, groupID string, sinceMs int64, limit int) ([]backend.ServerMessage, error)
}

// Recovery closes delivery gaps. A gap mark is armed the moment live
// updates die (or the app pauses), then consumed atomically when recovery
// is scheduled, so a flapping connection triggers exactly one fetch per
// gap.
type Recovery struct {
	db       *store.DB
	fetcher  Fetcher
	rec      *Reconciler
	bus      *bus.Bus
	clk      clock.Clock
	logger   *zap.Logger
	pageSize int

	mu     sync.Mutex
	gaps   map[string]int64
	cancel context.CancelFunc
}

// NewRecovery creates the gap-recovery engine.
func NewRecovery(db *store.DB, f Fetcher, rec *Reconciler, b *bus.Bus, clk clock.Clock, pageSize int, logger *zap.Logger) *Recovery {
	return &Recovery{
		db:       db,
		fetcher:  f,
		rec:      rec,
		bus:      b,
		clk:      clk,
		logger:   logger,
		pageSize: pageSize,
		gaps:     make(map[string]int64),
	}
}

// Start wires recovery to its triggers: channel death and app pause arm
// gap marks, reconnection and resume consume them. Startup itself arms a
// gap per group from the persisted cursor, since everything created while
// the process was down lies beyond it.
func (r *Recovery) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.armFromCursors()
	ch, unsub := r.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindRealtimeDead:
					if groupID, ok := evt.Payload.(string); ok {
						r.armAt(groupID, r.eventMillis(evt))
					}
				case bus.KindAppPaused:
					r.armAllGroups(r.eventMillis(evt))
				case bus.KindRealtimeConnected:
					if groupID, ok := evt.Payload.(string); ok {
						go r.RecoverGroup(ctx, groupID)
					}
				case bus.KindAppResumed, bus.KindNetOnline:
					go r.RecoverAll(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the trigger loop.
func (r *Recovery) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// ArmGap records the moment a group's live updates stopped.
func (r *Recovery) ArmGap(groupID string) {
	r.armAt(groupID, r.clk.Now().UnixMilli())
}

// armAt arms a gap starting at atMs. The start is the moment updates
// stopped, not when recovery eventually runs: messages sent during the
// gap but before recovery triggers would otherwise be missed. Competing
// arms keep the earliest start.
func (r *Recovery) armAt(groupID string, atMs int64) {
	r.mu.Lock()
	if existing, armed := r.gaps[groupID]; !armed || atMs < existing {
		r.gaps[groupID] = atMs
	}
	r.mu.Unlock()
}

// eventMillis reads the gap start from the triggering event, so a slow
// bus consumer cannot shift the gap forward past missed messages.
func (r *Recovery) eventMillis(evt bus.Event) int64 {
	if evt.Timestamp.IsZero() {
		return r.clk.Now().UnixMilli()
	}
	return evt.Timestamp.UnixMilli()
}

// armAllGroups marks a gap for every known group, used on app pause when
// all channels go quiet at once.
func (r *Recovery) armAllGroups(atMs int64) {
	groups, err := r.db.ListGroups(1000, 0)
	if err != nil {
		r.logger.Error("failed to list groups for gap marks", zap.Error(err))
		return
	}
	for _, g := range groups {
		r.armAt(g.ID, atMs)
	}
}

// armFromCursors arms a gap per known group from its persisted cursor,
// run once at startup. Without this, the first reconnect after a process
// restart would find no armed gap and skip the offline window entirely.
func (r *Recovery) armFromCursors() {
	groups, err := r.db.ListGroups(1000, 0)
	if err != nil {
		r.logger.Error("failed to list groups for startup gap marks", zap.Error(err))
		return
	}
	for _, g := range groups {
		cursor, err := r.db.GetCursor(g.ID)
		if err != nil {
			r.logger.Error("failed to read cursor", zap.Error(err), zap.String("group_id", g.ID))
			continue
		}
		since := cursor
		if since == 0 {
			// Never synced through recovery; the newest local row
			// bounds what is already present.
			since = g.LastMessageAt
		}
		r.armAt(g.ID, since)
	}
}

// takeGap consumes a gap mark atomically.
func (r *Recovery) takeGap(groupID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.gaps[groupID]
	if ok {
		delete(r.gaps, groupID)
	}
	return since, ok
}

// RecoverGroup fetches whatever one group's armed gap covers. Without an
// armed gap it does nothing, which is what makes flapping reconnects
// cheap.
func (r *Recovery) RecoverGroup(ctx context.Context, groupID string) {
	since, ok := r.takeGap(groupID)
	if !ok {
		return
	}
	if err := r.recoverRange(ctx, groupID, since); err != nil {
		r.logger.Error("gap recovery failed",
			zap.Error(err),
			zap.String("group_id", groupID),
		)
		// The fetch never ran to completion; re-arm so the next
		// reconnect covers the same window.
		r.mu.Lock()
		if existing, armed := r.gaps[groupID]; !armed || since < existing {
			r.gaps[groupID] = since
		}
		r.mu.Unlock()
	}
}

// RecoverAll consumes every armed gap, fetching groups in parallel with a
// bounded group count.
func (r *Recovery) RecoverAll(ctx context.Context) {
	r.mu.Lock()
	pending := make(map[string]int64, len(r.gaps))
	for id, since := range r.gaps {
		pending[id] = since
	}
	r.gaps = make(map[string]int64)
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for id, since := range pending {
		id, since := id, since
		g.Go(func() error {
			if err := r.recoverRange(gctx, id, since); err != nil {
				r.logger.Error("gap recovery failed",
					zap.Error(err),
					zap.String("group_id", id),
				)
				r.mu.Lock()
				if existing, armed := r.gaps[id]; !armed || since < existing {
					r.gaps[id] = since
				}
				r.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PollGroup is the realtime manager's polling fallback: one fetch from the
// group's cursor while its channel is degraded.
func (r *Recovery) PollGroup(ctx context.Context, groupID string) {
	cursor, err := r.db.GetCursor(groupID)
	if err != nil {
		r.logger.Error("failed to read cursor", zap.Error(err), zap.String("group_id", groupID))
		return
	}
	if err := r.recoverRange(ctx, groupID, cursor); err != nil {
		r.logger.Warn("poll fetch failed", zap.Error(err), zap.String("group_id", groupID))
	}
}

// recoverRange pages through everything created at or after since,
// reconciling each row. The cursor advances only after a page is fully
// reconciled, so a mid-page failure replays the page next time instead of
// skipping rows.
func (r *Recovery) recoverRange(ctx context.Context, groupID string, sinceMs int64) error {
	since := sinceMs
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := r.fetcher.QuerySince(ctx, groupID, since, r.pageSize)
		if err != nil {
			return fmt.Errorf("fetch since %d: %w", since, err)
		}
		if len(rows) == 0 {
			return nil
		}

		var maxCreated int64
		for i := range rows {
			if err := r.rec.Reconcile(&rows[i]); err != nil {
				return err
			}
			if created := rows[i].CreatedAtMillis(); created > maxCreated {
				maxCreated = created
			}
		}
		if err := r.db.AdvanceCursor(groupID, maxCreated); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}

		r.logger.Info("gap page reconciled",
			zap.String("group_id", groupID),
			zap.Int("rows", len(rows)),
			zap.Int64("cursor", maxCreated),
		)
		if len(rows) < r.pageSize {
			return nil
		}
		// Re-fetch from the boundary timestamp itself, not past it:
		// rows sharing the boundary millisecond beyond the page cut
		// must not be skipped. Reconciliation is idempotent, so the
		// overlapping rows cost one no-op write each.
		next := maxCreated
		if next <= since {
			// A full page inside a single millisecond cannot advance
			// on timestamps alone; step past it.
			next = since + 1
		}
		since = next
	}
}
