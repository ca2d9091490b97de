package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/swarmqueue/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmqueue.db")
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))

	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "proj-a", map[string]any{"user:alice:theme": "dark"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", sess.Status)
	}
	if sess.State["user:alice:theme"] != "dark" {
		t.Fatalf("expected initial state preserved, got %v", sess.State)
	}
	if len(sess.Events) != 0 {
		t.Fatalf("expected empty event log, got %d", len(sess.Events))
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err == nil {
		t.Fatal("expected duplicate session id to be rejected")
	}
}

func TestAppendEvent(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := Event{EventID: "evt-1", Timestamp: time.Now().UTC(), EventType: "message", Actor: "user"}
	if err := svc.AppendEvent(ctx, "sess-1", ev, map[string]any{"session:sess-1:current_task": "design"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	sess, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sess.Events) != 1 || sess.Events[0].EventID != "evt-1" {
		t.Fatalf("expected one appended event, got %+v", sess.Events)
	}
	if sess.State["session:sess-1:current_task"] != "design" {
		t.Fatalf("expected state delta merged, got %v", sess.State)
	}
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.UpdateStatus(ctx, "sess-1", Status("bogus")); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestTerminateStampsTerminatedAt(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Terminate(ctx, "sess-1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	sess, err := svc.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusTerminated {
		t.Fatalf("expected terminated status, got %s", sess.Status)
	}
	if sess.TerminatedAt == nil {
		t.Fatal("expected terminated_at to be stamped")
	}
}

func TestGetSetState(t *testing.T) {
	ctx := context.Background()
	svc := New(newTestStore(t))
	if err := svc.Create(ctx, "sess-1", "swarmqueue", "alice", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SetState(ctx, "sess-1", "user:alice:theme", "dark"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	v, err := svc.GetState(ctx, "sess-1", "user:alice:theme")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if v != "dark" {
		t.Fatalf("expected dark, got %v", v)
	}
}
