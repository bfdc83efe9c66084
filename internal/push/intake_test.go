package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/clock"
)

type recordingReconciler struct {
	mu   sync.Mutex
	msgs []*backend.ServerMessage
}

func (r *recordingReconciler) Reconcile(m *backend.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	errs  []error
	msg   *backend.ServerMessage
}

func (f *scriptedFetcher) FetchByID(ctx context.Context, msgID string) (*backend.ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.msg, nil
}

func testIntake(rec *recordingReconciler, f *scriptedFetcher) (*Intake, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return NewIntake(rec, f, clk, zap.NewNop()), clk
}

func TestFullPayloadSkipsNetwork(t *testing.T) {
	rec := &recordingReconciler{}
	f := &scriptedFetcher{}
	in, _ := testIntake(rec, f)

	err := in.Handle(context.Background(), &Payload{
		MessageID: "srv1",
		GroupID:   "g1",
		UserID:    "u2",
		Content:   "pushed body",
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.calls != 0 {
		t.Errorf("fetches = %d, want 0 on the fast path", f.calls)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].ID != "srv1" || rec.msgs[0].Content != "pushed body" {
		t.Fatalf("reconciled = %+v", rec.msgs)
	}
}

func TestIDOnlyPayloadFetches(t *testing.T) {
	rec := &recordingReconciler{}
	f := &scriptedFetcher{msg: &backend.ServerMessage{ID: "srv1", GroupID: "g1", Content: "fetched"}}
	in, _ := testIntake(rec, f)

	if err := in.Handle(context.Background(), &Payload{MessageID: "srv1", GroupID: "g1"}); err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Errorf("fetches = %d, want 1", f.calls)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Content != "fetched" {
		t.Fatalf("reconciled = %+v", rec.msgs)
	}
}

func TestIDOnlyPayloadRetriesOnce(t *testing.T) {
	rec := &recordingReconciler{}
	f := &scriptedFetcher{
		errs: []error{errors.New("flaky"), nil},
		msg:  &backend.ServerMessage{ID: "srv1", GroupID: "g1", Content: "second try"},
	}
	in, clk := testIntake(rec, f)

	done := make(chan error, 1)
	go func() { done <- in.Handle(context.Background(), &Payload{MessageID: "srv1", GroupID: "g1"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.calls != 2 {
		t.Errorf("fetches = %d, want 2", f.calls)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("reconciled = %+v", rec.msgs)
	}
}

func TestIDOnlyPayloadGivesUpAfterRetry(t *testing.T) {
	rec := &recordingReconciler{}
	f := &scriptedFetcher{errs: []error{errors.New("down"), errors.New("still down")}}
	in, clk := testIntake(rec, f)

	done := make(chan error, 1)
	go func() { done <- in.Handle(context.Background(), &Payload{MessageID: "srv1"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)

	if err := <-done; err == nil {
		t.Fatal("exhausted fetch did not error")
	}
	if f.calls != 2 {
		t.Errorf("fetches = %d, want exactly 2", f.calls)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("reconciled = %+v, want none", rec.msgs)
	}
}

func TestUnknownMessageIsNotFound(t *testing.T) {
	rec := &recordingReconciler{}
	f := &scriptedFetcher{} // returns nil, nil
	in, _ := testIntake(rec, f)

	err := in.Handle(context.Background(), &Payload{MessageID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMissingIDRejected(t *testing.T) {
	in, _ := testIntake(&recordingReconciler{}, &scriptedFetcher{})
	if err := in.Handle(context.Background(), &Payload{GroupID: "g1"}); err == nil {
		t.Fatal("payload without id accepted")
	}
}
