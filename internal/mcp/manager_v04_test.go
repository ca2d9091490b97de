package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_StartServer_Disabled(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: false},
	}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.StartServer(ctx, "github"); err == nil {
		t.Error("expected error starting a disabled server")
	}
	state, err := mgr.Status("github")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateStopped {
		t.Errorf("expected STOPPED, got %s", state)
	}
}

func TestManager_StartServer_Unknown(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())
	ctx := context.Background()
	if err := mgr.StartServer(ctx, "nope"); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestManager_StopServer_Idempotent(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: true},
	}, newTestLogger())

	if err := mgr.StopServer(context.Background(), "github"); err != nil {
		t.Errorf("StopServer on stopped server should be a no-op: %v", err)
	}
}

func TestManager_DiscoverTools_NotRunning(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: true},
	}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := mgr.DiscoverTools(ctx, "github"); err == nil {
		t.Error("expected error discovering tools on a stopped server")
	}
}

func TestManager_CallTool_UnknownServer(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := mgr.CallTool(ctx, "unknown", "tool", json.RawMessage(`{}`)); err == nil {
		t.Error("expected CallTool to fail for unknown server")
	}
}

func TestManager_ServerNames(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: true},
		{Name: "fs", Command: "false", Enabled: false},
	}, newTestLogger())

	names := mgr.ServerNames()
	if len(names) != 2 {
		t.Errorf("expected 2 configured servers, got %d", len(names))
	}
}

func TestManager_Healthy_Unconnected(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: true},
	}, newTestLogger())

	if mgr.Healthy("github") {
		t.Error("expected unhealthy for unstarted server")
	}
}

func TestManager_StartHealthMonitoring_StopsCleanly(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.StartHealthMonitoring(ctx)
	mgr.StartHealthMonitoring(ctx) // second call is a no-op
	mgr.StopHealthMonitoring()
}

func TestManager_Stop(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "github", Command: "false", Enabled: true},
	}, newTestLogger())

	if err := mgr.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

// A container-backed server config is routed to sandbox.NewDockerTransport
// instead of NewReconnectableTransport; without a reachable Docker daemon
// that fails, but the server must still end up FAILED rather than
// panicking or leaving the state machine stuck mid-transition.
func TestManager_StartServer_ContainerConfigWithoutDaemon(t *testing.T) {
	mgr := NewManager([]ServerConfig{
		{Name: "containerized", Image: "alpine", ContainerCmd: []string{"cat"}, Enabled: true},
	}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := mgr.StartServer(ctx, "containerized")
	state, statusErr := mgr.Status("containerized")
	if statusErr != nil {
		t.Fatalf("Status: %v", statusErr)
	}
	if err == nil {
		// A reachable Docker daemon accepted the container; that's a
		// legitimate success path too.
		if state != StateRunning {
			t.Errorf("expected RUNNING after successful start, got %s", state)
		}
		return
	}
	if state != StateFailed {
		t.Errorf("expected FAILED after a docker error, got %s", state)
	}
}
