package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/clock"
	"github.com/confessr/chatd/internal/ctl"
	"github.com/confessr/chatd/internal/health"
	"github.com/confessr/chatd/internal/outbox"
	"github.com/confessr/chatd/internal/profile"
	"github.com/confessr/chatd/internal/push"
	"github.com/confessr/chatd/internal/realtime"
	"github.com/confessr/chatd/internal/send"
	"github.com/confessr/chatd/internal/store"
	intsync "github.com/confessr/chatd/internal/sync"
)

// startTestDaemon wires the components by hand, the way the fx module
// does, and serves the control surface on an ephemeral loopback port.
// HOME is redirected so port file discovery stays inside the test dir.
func startTestDaemon(t *testing.T) *ctl.Client {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	profileName := "test"
	if err := profile.EnsureDir(profileName); err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(profile.DBPath(profileName))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	clk := clock.Real{}

	// The backend is never reachable in this test. Sends must flow to
	// the outbox and realtime channels must stay in their retry loop.
	client := backend.NewClient("http://127.0.0.1:9", "anon-key", nil, logger)
	monitor := health.NewMonitor(client, client, clk, 5, time.Minute, time.Minute, logger)
	active := &intsync.Active{}
	queue := outbox.NewQueue(db, b, clk, logger)
	sender := send.NewSender(client, monitor, db, queue, b, clk, time.Second, 1, logger)
	reconciler := intsync.NewReconciler(db, b, clk, active, logger)
	recovery := intsync.NewRecovery(db, client, reconciler, b, clk, 100, logger)

	failDial := func(_ context.Context, _ string) (realtime.Conn, error) {
		return nil, errors.New("dial refused")
	}
	manager := realtime.NewManager(failDial, monitor, reconciler, recovery, b, clk, realtime.Options{
		URL:               "ws://127.0.0.1:9/realtime/v1/websocket",
		HeartbeatInterval: 30 * time.Second,
		LivenessTimeout:   75 * time.Second,
		SubscribeTimeout:  9 * time.Second,
		PollPeriod:        30 * time.Second,
	}, logger)
	t.Cleanup(manager.Stop)

	intake := push.NewIntake(reconciler, client, clk, logger)

	srv, err := NewServer(Params{Profile: profileName, ListenAddr: "127.0.0.1:0"}, serverDeps{
		db:      db,
		client:  client,
		monitor: monitor,
		sender:  sender,
		queue:   queue,
		manager: manager,
		active:  active,
		intake:  intake,
		bus:     b,
		clk:     clk,
		logger:  logger,
		profile: profileName,
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	c, err := ctl.New(profileName)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestControlSurfaceStatus(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	resp, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if resp.Profile != "test" {
		t.Errorf("profile = %q, want %q", resp.Profile, "test")
	}
	if resp.Groups != 0 {
		t.Errorf("groups = %d, want 0", resp.Groups)
	}
	if resp.Health.Healthy {
		t.Error("expected unhealthy with no session installed")
	}
}

func TestControlSurfaceSendQueuesWhenUnhealthy(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	resp, err := c.Send(ctx, &ctl.SendRequest{GroupID: "g1", Content: "hello"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if resp.Result != "queued" {
		t.Errorf("result = %q, want %q", resp.Result, "queued")
	}
	if resp.MsgID == "" {
		t.Error("expected a client key as msg id")
	}

	entries, err := c.Outbox(ctx)
	if err != nil {
		t.Fatalf("Outbox error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox entries = %d, want 1", len(entries))
	}
	if entries[0].GroupID != "g1" {
		t.Errorf("entry group = %q, want %q", entries[0].GroupID, "g1")
	}

	groups, err := c.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups error = %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "g1" {
		t.Fatalf("groups = %+v, want the touched g1", groups)
	}
}

func TestControlSurfaceSendRejectsEmpty(t *testing.T) {
	c := startTestDaemon(t)

	_, err := c.Send(context.Background(), &ctl.SendRequest{GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestControlSurfaceMessagesAndRename(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	sent, err := c.Send(ctx, &ctl.SendRequest{GroupID: "g1", Content: "hello there"})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := c.Messages(ctx, "g1", 0, 0)
	if err != nil {
		t.Fatalf("Messages error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].MsgID != sent.MsgID || msgs[0].Content != "hello there" {
		t.Errorf("message = %+v, want the sent row", msgs[0])
	}

	if err := c.Rename(ctx, "g1", "Night Owls"); err != nil {
		t.Fatalf("Rename error = %v", err)
	}
	groups, err := c.Groups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "Night Owls" {
		t.Errorf("groups = %+v, want g1 renamed", groups)
	}
}

func TestControlSurfaceActivateAndPurge(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	if _, err := c.Send(ctx, &ctl.SendRequest{GroupID: "g1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx, "g1"); err != nil {
		t.Fatalf("Activate error = %v", err)
	}

	resp, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ActiveGroup != "g1" {
		t.Errorf("active group = %q, want %q", resp.ActiveGroup, "g1")
	}

	if err := c.PurgeGroup(ctx, "g1"); err != nil {
		t.Fatalf("PurgeGroup error = %v", err)
	}
	groups, err := c.Groups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Errorf("groups after purge = %d, want 0", len(groups))
	}
	resp, err = c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ActiveGroup != "" {
		t.Errorf("active group after purge = %q, want empty", resp.ActiveGroup)
	}
}

func TestControlSurfacePlatformEvents(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	for _, event := range []string{"online", "resumed", "paused"} {
		if err := c.Platform(ctx, event); err != nil {
			t.Errorf("Platform(%q) error = %v", event, err)
		}
	}
	if err := c.Platform(ctx, "rebooted"); err == nil {
		t.Error("expected error for unknown platform event")
	}
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/chat.db")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	if got := loadSession(db, logger); got != nil {
		t.Fatalf("loadSession on empty store = %+v, want nil", got)
	}

	sess := &backend.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    1900000000,
	}
	persistSession(db, sess, logger)

	got := loadSession(db, logger)
	if got == nil {
		t.Fatal("loadSession returned nil after persist")
	}
	if got.AccessToken != sess.AccessToken || got.RefreshToken != sess.RefreshToken {
		t.Errorf("tokens = %q/%q, want %q/%q", got.AccessToken, got.RefreshToken, sess.AccessToken, sess.RefreshToken)
	}
	if got.ExpiresAt != sess.ExpiresAt {
		t.Errorf("expires_at = %d, want %d", got.ExpiresAt, sess.ExpiresAt)
	}
}
