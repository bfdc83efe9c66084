package send

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/outbox"
	"github.com/confessr/chatd/internal/store"
)

type mockBackend struct {
	mu      sync.Mutex
	calls   []*backend.OutboundMessage
	errs    []error // consumed per call, nil entries succeed
	fanouts chan string
}

func (m *mockBackend) UpsertMessage(ctx context.Context, om *backend.OutboundMessage) (*backend.ServerMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, om)
	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &backend.ServerMessage{
		ID:        "srv-" + om.ClientKey,
		GroupID:   om.GroupID,
		ClientKey: om.ClientKey,
		CreatedAt: "2026-08-01T10:00:00Z",
	}, nil
}

func (m *mockBackend) NotifyFanout(ctx context.Context, groupID, msgID string) {
	if m.fanouts != nil {
		m.fanouts <- msgID
	}
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockHealth struct {
	mu        sync.Mutex
	healthy   bool
	successes int
	failures  int
	refreshes int
}

func (h *mockHealth) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *mockHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *mockHealth) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func (h *mockHealth) RefreshSessionBounded(ctx context.Context, bound time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	return true
}

func (h *mockHealth) setHealthy(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = v
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSender(t *testing.T, db *store.DB, be *mockBackend, h *mockHealth) (*Sender, *clock.Fake, *bus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	b := bus.New()
	q := outbox.NewQueue(db, b, clk, zap.NewNop())
	s := NewSender(be, h, db, q, b, clk, 5*time.Second, 2, zap.NewNop())
	return s, clk, b
}

func transientErr() error {
	return &backend.Error{Kind: backend.KindTransient, Err: errors.New("timeout")}
}

func authErr() error {
	return &backend.Error{Kind: backend.KindAuthRejected, Err: errors.New("401")}
}

func TestHealthySendDelivers(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{}
	h := &mockHealth{healthy: true}
	s, _, b := testSender(t, db, be, h)

	confirmed, unsub := b.Subscribe(bus.KindMessageConfirmed, 10)
	defer unsub()

	res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", UserID: "u1", Content: "hello", MessageType: "text"})
	if err != nil {
		t.Fatal(err)
	}
	if res != Delivered {
		t.Fatalf("result = %v, want Delivered", res)
	}
	if be.callCount() != 1 {
		t.Errorf("upsert calls = %d, want 1", be.callCount())
	}
	if h.successes != 1 || h.failures != 0 {
		t.Errorf("health bookkeeping = %d/%d, want 1/0", h.successes, h.failures)
	}

	// Local row rekeyed to the server id with delivered status.
	row, _ := db.GetMessage("g1", "srv-"+msg.MsgID)
	if row == nil || row.Status != store.StatusDelivered {
		t.Errorf("local row = %+v, want delivered under server id", row)
	}
	if stale, _ := db.GetMessage("g1", msg.MsgID); stale != nil {
		t.Errorf("client-key row still present after rekey: %+v", stale)
	}

	select {
	case evt := <-confirmed:
		ref := evt.Payload.(bus.MessageRef)
		if ref.MsgID != "srv-"+msg.MsgID {
			t.Errorf("confirmed ref = %+v", ref)
		}
	default:
		t.Error("no confirmation event published")
	}

	if n, _ := db.CountOutbox(); n != 0 {
		t.Errorf("outbox count = %d, want 0", n)
	}
}

func TestUnhealthySendQueues(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{}
	h := &mockHealth{healthy: false}
	s, _, _ := testSender(t, db, be, h)

	res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", UserID: "u1", Content: "offline"})
	if err != nil {
		t.Fatal(err)
	}
	if res != Queued {
		t.Fatalf("result = %v, want Queued", res)
	}
	if be.callCount() != 0 {
		t.Errorf("network attempted while unhealthy: %d calls", be.callCount())
	}

	entries, _ := db.ListOutbox()
	if len(entries) != 1 || entries[0].ClientKey != msg.MsgID || entries[0].RetryCount != 0 {
		t.Fatalf("outbox = %+v, want one entry for %s with retry_count 0", entries, msg.MsgID)
	}
	row, _ := db.GetMessage("g1", msg.MsgID)
	if row == nil || row.Status != store.StatusPending {
		t.Errorf("local row = %+v, want pending", row)
	}
}

// Offline send end to end: queued while unhealthy, then delivered by one
// drain pass once health returns, leaving the outbox empty and the local
// row delivered.
func TestOfflineSendRecoversThroughDrain(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{}
	h := &mockHealth{healthy: false}
	s, clk, b := testSender(t, db, be, h)

	res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", UserID: "u1", Content: "offline"})
	if err != nil || res != Queued {
		t.Fatalf("send = %v, %v", res, err)
	}

	h.setHealthy(true)
	w := outbox.NewWorker(db, s, b, clk, 5, 2*time.Second, 30*time.Second, 5*time.Second, zap.NewNop())
	w.Trigger(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := db.CountOutbox(); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n, _ := db.CountOutbox(); n != 0 {
		t.Fatalf("outbox count = %d, want 0 after drain", n)
	}
	row, _ := db.GetMessage("g1", "srv-"+msg.MsgID)
	if row == nil || row.Status != store.StatusDelivered {
		t.Errorf("local row = %+v, want delivered", row)
	}
}

func TestSendRetriesKeepIdempotencyKey(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{errs: []error{transientErr(), nil}}
	h := &mockHealth{healthy: true}
	s, clk, _ := testSender(t, db, be, h)

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, _, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "retry me"})
		done <- out{res, err}
	}()

	// The sender waits out the inter-attempt gap on the injected clock.
	deadline := time.Now().Add(5 * time.Second)
	for clk.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)

	o := <-done
	if o.err != nil || o.res != Delivered {
		t.Fatalf("send = %v, %v", o.res, o.err)
	}
	if len(be.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(be.calls))
	}
	if be.calls[0].ClientKey != be.calls[1].ClientKey {
		t.Errorf("idempotency key changed between attempts: %q vs %q", be.calls[0].ClientKey, be.calls[1].ClientKey)
	}
}

func TestAuthRejectionRefreshesOnceAndRetries(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{errs: []error{authErr(), nil}}
	h := &mockHealth{healthy: true}
	s, _, _ := testSender(t, db, be, h)

	res, _, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "auth"})
	if err != nil || res != Delivered {
		t.Fatalf("send = %v, %v", res, err)
	}
	if h.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", h.refreshes)
	}
	if be.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (original + post-refresh retry)", be.callCount())
	}
}

func TestExhaustedAttemptsQueue(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{errs: []error{transientErr(), transientErr(), transientErr()}}
	h := &mockHealth{healthy: true}
	s, clk, _ := testSender(t, db, be, h)

	type out struct {
		res Result
		msg *store.Message
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "doomed"})
		done <- out{res, msg, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)

	o := <-done
	if o.err != nil {
		t.Fatal(o.err)
	}
	if o.res != QueuedAfterFailure {
		t.Fatalf("result = %v, want QueuedAfterFailure", o.res)
	}
	if h.failures != 1 {
		t.Errorf("failures recorded = %d, want 1", h.failures)
	}

	entries, _ := db.ListOutbox()
	if len(entries) != 1 || entries[0].ClientKey != o.msg.MsgID {
		t.Fatalf("outbox = %+v, want the failed message", entries)
	}
	row, _ := db.GetMessage("g1", o.msg.MsgID)
	if row == nil || row.Status != store.StatusPending {
		t.Errorf("local row = %+v, want still pending", row)
	}
}

func TestValidationRejectionSkipsRetries(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{errs: []error{
		&backend.Error{Kind: backend.KindValidation, Err: errors.New("bad payload")},
		transientErr(), transientErr(),
	}}
	h := &mockHealth{healthy: true}
	s, _, _ := testSender(t, db, be, h)

	// A permanent rejection must not burn the remaining attempts; the
	// call returns without waiting out any attempt gap.
	res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "rejected"})
	if err != nil {
		t.Fatal(err)
	}
	if res != QueuedAfterFailure {
		t.Fatalf("result = %v, want QueuedAfterFailure", res)
	}
	if got := be.callCount(); got != 1 {
		t.Errorf("upsert calls = %d, want 1", got)
	}
	if h.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", h.refreshes)
	}

	entries, _ := db.ListOutbox()
	if len(entries) != 1 || entries[0].ClientKey != msg.MsgID {
		t.Fatalf("outbox = %+v, want the rejected message", entries)
	}
}

func TestDeliveredSendFiresFanout(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{fanouts: make(chan string, 1)}
	h := &mockHealth{healthy: true}
	s, _, _ := testSender(t, db, be, h)

	res, msg, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "ping"})
	if err != nil || res != Delivered {
		t.Fatalf("send = %v, %v", res, err)
	}

	select {
	case id := <-be.fanouts:
		if id != "srv-"+msg.MsgID {
			t.Errorf("fanout id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("fanout never fired")
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	db := testDB(t)
	be := &mockBackend{}
	h := &mockHealth{healthy: true}
	s, _, _ := testSender(t, db, be, h)

	_ = db.Close()
	if _, _, err := s.Send(context.Background(), &Request{GroupID: "g1", Content: "lost?"}); err == nil {
		t.Fatal("send on a closed store did not propagate the error")
	}
}
