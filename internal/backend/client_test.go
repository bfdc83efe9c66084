package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "anon-key", srv.Client(), zap.NewNop())
}

func TestUpsertMessageSendsConflictKey(t *testing.T) {
	var gotURL, gotPrefer, gotAPIKey, gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		gotPrefer = r.Header.Get("Prefer")
		gotAPIKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"srv-1","group_id":"g1","client_key":"ck-1","created_at":"2026-08-01T10:00:00Z"}]`))
	}))
	c.SetBearer("tok-1")

	row, err := c.UpsertMessage(context.Background(), &OutboundMessage{ClientKey: "ck-1", GroupID: "g1", Content: "hi", MessageType: "text"})
	if err != nil {
		t.Fatalf("UpsertMessage() error = %v", err)
	}
	if row.ID != "srv-1" {
		t.Errorf("id = %q, want srv-1", row.ID)
	}
	if gotURL != "/rest/v1/messages?on_conflict=client_key" {
		t.Errorf("url = %q", gotURL)
	}
	if gotPrefer != "resolution=merge-duplicates,return=representation" {
		t.Errorf("Prefer = %q", gotPrefer)
	}
	if gotAPIKey != "anon-key" {
		t.Errorf("apikey = %q", gotAPIKey)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestUpsertMessageAuthRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.UpsertMessage(context.Background(), &OutboundMessage{ClientKey: "ck"})
	if !IsAuthRejected(err) {
		t.Errorf("KindOf(err) = %v, want auth_rejected (err: %v)", KindOf(err), err)
	}
}

func TestQuerySinceOrdering(t *testing.T) {
	var gotURL string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := c.QuerySince(context.Background(), "g1", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), 100)
	if err != nil {
		t.Fatal(err)
	}
	want := "/rest/v1/messages?group_id=eq.g1&created_at=gte.2026-08-01T10%3A00%3A00Z&order=created_at.asc&limit=100"
	if gotURL != want {
		t.Errorf("url = %q, want %q", gotURL, want)
	}
}

func TestFetchByIDNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))

	row, err := c.FetchByID(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("row = %v, want nil", row)
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   ErrorKind
	}{
		{"network error", errors.New("dial tcp: refused"), 0, KindTransient},
		{"unauthorized", nil, 401, KindAuthRejected},
		{"forbidden", nil, 403, KindAuthRejected},
		{"bad request", nil, 400, KindValidation},
		{"conflict", nil, 409, KindValidation},
		{"server error", nil, 503, KindTransient},
		{"rate limited", nil, 429, KindTransient},
		{"teapot", nil, 418, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindOf(classify(tt.err, tt.status))
			if got != tt.want {
				t.Errorf("classify(%v, %d) kind = %v, want %v", tt.err, tt.status, got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"2026-08-01T10:00:00Z", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).UnixMilli()},
		{"2026-08-01T10:00:00.123456Z", time.Date(2026, 8, 1, 10, 0, 0, 123456000, time.UTC).UnixMilli()},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseTimestamp(tt.in); got != tt.want {
			t.Errorf("ParseTimestamp(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRefreshSession(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.String() != "/auth/v1/token?grant_type=refresh_token" {
			t.Errorf("url = %q", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"access_token":"new-tok","refresh_token":"new-ref","expires_in":3600}`))
	}))

	sess, err := c.RefreshSession(context.Background(), "old-ref")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "new-tok" {
		t.Errorf("access_token = %q", sess.AccessToken)
	}
	if sess.Expiry().Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expiry %v too soon", sess.Expiry())
	}
}

func TestRealtimeURL(t *testing.T) {
	c := NewClient("https://proj.supabase.co", "anon", nil, zap.NewNop())
	got := c.RealtimeURL()
	want := "wss://proj.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0"
	if got != want {
		t.Errorf("RealtimeURL() = %q, want %q", got, want)
	}
}
