// Package health tracks whether the backend session can currently be
// trusted for a network call. The judgement is cached and non-blocking;
// session refreshes are always raced against an explicit deadline because
// the auth service has been observed to hang indefinitely in pathological
// states.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/clock"
)

// SessionRefresher exchanges a refresh token for a new session.
// *backend.Client satisfies this.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*backend.Session, error)
}

// BearerSink receives the access token to apply to outgoing requests.
// *backend.Client satisfies this.
type BearerSink interface {
	SetBearer(token string)
}

// Snapshot is the diagnostic view of the monitor's state.
type Snapshot struct {
	Healthy      bool      `json:"healthy"`
	Failures     int       `json:"consecutive_failures"`
	BreakerOpen  bool      `json:"breaker_open"`
	TokenExpiry  time.Time `json:"token_expiry"`
	LastAuthOK   time.Time `json:"last_auth_ok"`
	HasToken     bool      `json:"has_token"`
	RefreshToken bool      `json:"has_refresh_token"`
}

// Monitor is the process-local connection health judgement.
type Monitor struct {
	refresher SessionRefresher
	sink      BearerSink
	clk       clock.Clock
	logger    *zap.Logger

	threshold  int
	cooldown   time.Duration
	expirySkew time.Duration

	mu               sync.Mutex
	accessToken      string
	refreshToken     string
	tokenExpiry      time.Time
	lastAuthOK       time.Time
	failures         int
	breakerOpenUntil time.Time
}

// NewMonitor creates a health monitor. threshold failures open the breaker
// for cooldown; tokens within expirySkew of expiry are treated as stale.
func NewMonitor(refresher SessionRefresher, sink BearerSink, clk clock.Clock, threshold int, cooldown, expirySkew time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		refresher:  refresher,
		sink:       sink,
		clk:        clk,
		logger:     logger,
		threshold:  threshold,
		cooldown:   cooldown,
		expirySkew: expirySkew,
	}
}

// SetSession installs a known-good session, applying the access token to the
// bearer sink and resetting failure accounting.
func (m *Monitor) SetSession(sess *backend.Session) {
	m.mu.Lock()
	m.accessToken = sess.AccessToken
	if sess.RefreshToken != "" {
		m.refreshToken = sess.RefreshToken
	}
	m.tokenExpiry = sess.Expiry()
	m.lastAuthOK = m.clk.Now()
	m.failures = 0
	m.mu.Unlock()

	m.sink.SetBearer(sess.AccessToken)
}

// Token returns the cached access token, possibly stale, never blocking.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// Session returns the cached credential pair so callers can persist it,
// or nil when no session was ever installed.
func (m *Monitor) Session() *backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken == "" && m.refreshToken == "" {
		return nil
	}
	return &backend.Session{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		ExpiresAt:    m.tokenExpiry.Unix(),
	}
}

// IsHealthy returns the cached judgement. It never performs a network
// round-trip. While the breaker is open every check short-circuits to
// unhealthy; once the cooldown passes, exactly one probe is let through
// (half-open) and the window re-arms until the probe's outcome is recorded.
func (m *Monitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked(true)
}

// healthyLocked computes the judgement. consumeProbe controls whether a
// half-open breaker admits this check as its single probe; diagnostic
// reads pass false so they cannot burn the probe.
func (m *Monitor) healthyLocked(consumeProbe bool) bool {
	now := m.clk.Now()
	if m.failures >= m.threshold {
		if now.Before(m.breakerOpenUntil) {
			return false
		}
		if consumeProbe {
			// Half-open: admit this probe, close the gate behind it.
			m.breakerOpenUntil = now.Add(m.cooldown)
		}
	}

	if m.accessToken == "" {
		return false
	}
	if !m.tokenExpiry.IsZero() && !now.Add(m.expirySkew).Before(m.tokenExpiry) {
		return false
	}
	return true
}

// RecordSuccess resets the consecutive-failure counter.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastAuthOK = m.clk.Now()
}

// RecordFailure increments the failure counter; crossing the threshold
// opens the breaker for the cooldown window.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.failures == m.threshold {
		m.breakerOpenUntil = m.clk.Now().Add(m.cooldown)
		m.logger.Warn("circuit breaker opened",
			zap.Int("failures", m.failures),
			zap.Time("until", m.breakerOpenUntil),
		)
	}
}

// RefreshSessionBounded attempts a token refresh raced against bound.
// A timed-out refresh counts as failure and the cached token stays in
// place; the caller is never blocked beyond bound.
func (m *Monitor) RefreshSessionBounded(ctx context.Context, bound time.Duration) bool {
	m.mu.Lock()
	refreshToken := m.refreshToken
	m.mu.Unlock()
	if refreshToken == "" {
		return false
	}

	type result struct {
		sess *backend.Session
		err  error
	}
	ch := make(chan result, 1)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sess, err := m.refresher.RefreshSession(rctx, refreshToken)
		ch <- result{sess, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			m.logger.Warn("session refresh failed", zap.Error(res.err))
			m.RecordFailure()
			return false
		}
		m.SetSession(res.sess)
		m.RecordSuccess()
		m.logger.Info("session refreshed", zap.Time("expiry", res.sess.Expiry()))
		return true
	case <-m.clk.After(bound):
		// The request may still be consuming a connection in the
		// background; give up waiting without assuming it was destroyed.
		m.logger.Warn("session refresh timed out", zap.Duration("bound", bound))
		m.RecordFailure()
		return false
	case <-ctx.Done():
		return false
	}
}

// Snapshot returns the diagnostic view without consuming a half-open probe.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthy := m.healthyLocked(false)
	return Snapshot{
		Healthy:      healthy,
		Failures:     m.failures,
		BreakerOpen:  m.failures >= m.threshold && m.clk.Now().Before(m.breakerOpenUntil),
		TokenExpiry:  m.tokenExpiry,
		LastAuthOK:   m.lastAuthOK,
		HasToken:     m.accessToken != "",
		RefreshToken: m.refreshToken != "",
	}
}
