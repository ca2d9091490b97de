package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/persistence"
)

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store, *bus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway_test.db")
	eventBus := bus.New()
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Config{Store: store, Bus: eventBus})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv, store, eventBus
}

func TestGatewayTaskList(t *testing.T) {
	httpSrv, store, _ := newTestServer(t)

	task := &persistence.Task{
		ID:        uuid.New(),
		Prompt:    "hello",
		AgentType: "implementer",
		Priority:  5,
		Status:         persistence.TaskStatusReady,
		Source:         persistence.TaskSourceHuman,
		DependencyType: persistence.DependencySequential,
		MaxRetries:     3,
	}
	task.Summary = persistence.NewTaskSummary(task.Prompt, task.Source)
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, request{ID: 1, Method: "task.list"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp response
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var tasks []persistence.Task
	if err := json.Unmarshal(resp.Result, &tasks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Prompt != "hello" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestGatewayUnknownMethod(t *testing.T) {
	httpSrv, _, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, request{ID: 2, Method: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp response
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}
