package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/clock"
)

type stubRefresher struct {
	sess  *backend.Session
	err   error
	block chan struct{} // when non-nil, RefreshSession waits on it
	calls int
}

func (s *stubRefresher) RefreshSession(ctx context.Context, _ string) (*backend.Session, error) {
	s.calls++
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.sess, s.err
}

type stubSink struct{ bearer string }

func (s *stubSink) SetBearer(token string) { s.bearer = token }

func testMonitor(t *testing.T, r *stubRefresher) (*Monitor, *clock.Fake, *stubSink) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	sink := &stubSink{}
	m := NewMonitor(r, sink, clk, 5, 60*time.Second, 60*time.Second, zap.NewNop())
	return m, clk, sink
}

func validSession(clk *clock.Fake) *backend.Session {
	return &backend.Session{
		AccessToken:  "tok",
		RefreshToken: "ref",
		ExpiresAt:    clk.Now().Add(time.Hour).Unix(),
	}
}

func TestUnhealthyWithoutToken(t *testing.T) {
	m, _, _ := testMonitor(t, &stubRefresher{})
	if m.IsHealthy() {
		t.Error("healthy with no token")
	}
}

func TestHealthyWithFreshToken(t *testing.T) {
	m, clk, sink := testMonitor(t, &stubRefresher{})
	m.SetSession(validSession(clk))

	if !m.IsHealthy() {
		t.Error("unhealthy with fresh token")
	}
	if sink.bearer != "tok" {
		t.Errorf("bearer = %q, want tok", sink.bearer)
	}
}

func TestTokenNearExpiryIsUnhealthy(t *testing.T) {
	m, clk, _ := testMonitor(t, &stubRefresher{})
	m.SetSession(&backend.Session{AccessToken: "tok", ExpiresAt: clk.Now().Add(30 * time.Second).Unix()})

	// Expires within the 60s skew.
	if m.IsHealthy() {
		t.Error("healthy with token expiring within skew")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	m, clk, _ := testMonitor(t, &stubRefresher{})
	m.SetSession(validSession(clk))

	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	if m.IsHealthy() {
		t.Error("healthy with breaker open")
	}

	// Still open just before cooldown elapses.
	clk.Advance(59 * time.Second)
	if m.IsHealthy() {
		t.Error("breaker closed early")
	}

	// After cooldown: exactly one probe allowed through.
	clk.Advance(2 * time.Second)
	if !m.IsHealthy() {
		t.Error("half-open probe not admitted")
	}
	if m.IsHealthy() {
		t.Error("second check admitted during half-open")
	}

	// Probe success closes the breaker.
	m.RecordSuccess()
	if !m.IsHealthy() {
		t.Error("unhealthy after success reset")
	}
}

func TestSnapshotDoesNotConsumeProbe(t *testing.T) {
	m, clk, _ := testMonitor(t, &stubRefresher{})
	m.SetSession(validSession(clk))
	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	clk.Advance(61 * time.Second)

	snap := m.Snapshot()
	if !snap.Healthy {
		t.Error("snapshot should see half-open as healthy")
	}
	// The probe must still be available.
	if !m.IsHealthy() {
		t.Error("snapshot consumed the half-open probe")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	m, clk, _ := testMonitor(t, &stubRefresher{})
	m.SetSession(validSession(clk))

	for i := 0; i < 4; i++ {
		m.RecordFailure()
	}
	m.RecordSuccess()
	m.RecordFailure()
	if !m.IsHealthy() {
		t.Error("breaker opened despite reset")
	}
}

func TestRefreshBoundedSuccess(t *testing.T) {
	clkSeed := time.Unix(1_700_000_000, 0)
	r := &stubRefresher{sess: &backend.Session{AccessToken: "new", RefreshToken: "ref2", ExpiresAt: clkSeed.Add(2 * time.Hour).Unix()}}
	m, clk, sink := testMonitor(t, r)
	m.SetSession(validSession(clk))

	if !m.RefreshSessionBounded(context.Background(), time.Second) {
		t.Fatal("refresh should succeed")
	}
	if sink.bearer != "new" {
		t.Errorf("bearer = %q, want new", sink.bearer)
	}
	if m.Token() != "new" {
		t.Errorf("Token() = %q, want new", m.Token())
	}
}

func TestRefreshBoundedTimeout(t *testing.T) {
	r := &stubRefresher{block: make(chan struct{})}
	m, clk, _ := testMonitor(t, r)
	m.SetSession(validSession(clk))

	done := make(chan bool, 1)
	go func() { done <- m.RefreshSessionBounded(context.Background(), 3*time.Second) }()

	// Let the goroutine park on the fake timer.
	for clk.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(3 * time.Second)

	select {
	case ok := <-done:
		if ok {
			t.Error("timed-out refresh reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshSessionBounded did not return at the bound")
	}

	// The cached token is kept.
	if m.Token() != "tok" {
		t.Errorf("Token() = %q, want cached tok", m.Token())
	}
	close(r.block)
}

func TestRefreshBoundedNoRefreshToken(t *testing.T) {
	r := &stubRefresher{}
	m, _, _ := testMonitor(t, r)

	if m.RefreshSessionBounded(context.Background(), time.Second) {
		t.Error("refresh with no refresh token should fail")
	}
	if r.calls != 0 {
		t.Errorf("refresher called %d times, want 0", r.calls)
	}
}

func TestRefreshErrorCountsAsFailure(t *testing.T) {
	r := &stubRefresher{err: errors.New("boom")}
	m, clk, _ := testMonitor(t, r)
	m.SetSession(validSession(clk))

	for i := 0; i < 5; i++ {
		if m.RefreshSessionBounded(context.Background(), time.Second) {
			t.Fatal("refresh should fail")
		}
	}
	if m.IsHealthy() {
		t.Error("breaker should be open after 5 failed refreshes")
	}
}
