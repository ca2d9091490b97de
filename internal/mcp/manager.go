package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/swarmqueue/internal/sandbox"
)

// MCPServerState is the lifecycle state of a supervised MCP sub-process.
type MCPServerState string

const (
	StateStopped  MCPServerState = "STOPPED"
	StateStarting MCPServerState = "STARTING"
	StateRunning  MCPServerState = "RUNNING"
	StateStopping MCPServerState = "STOPPING"
	StateFailed   MCPServerState = "FAILED"
)

// ServerConfig defines an MCP server to start. A server with Image set
// runs inside a Docker container via sandbox.DockerTransport instead of
// as a bare subprocess; Command/Args are ignored in that case in favor
// of ContainerCmd.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`

	Image        string   `yaml:"image"`
	ContainerCmd []string `yaml:"container_cmd"`
}

// supervisedTransport is the subset of transport behavior the manager
// needs for health checking, satisfied by both ReconnectableTransport
// (subprocess) and sandbox.DockerTransport (container).
type supervisedTransport interface {
	Transport
	Alive() bool
}

// DiscoveredTool represents a tool enumerated from an MCP server.
type DiscoveredTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ServerName  string
}

// process is a named, supervised MCP sub-process and its state machine.
type process struct {
	mu        sync.RWMutex
	config    ServerConfig
	transport supervisedTransport
	client    *Client
	state     MCPServerState
	tools     []DiscoveredTool
	restarts  int
}

func (p *process) getState() MCPServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *process) setState(s MCPServerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Manager supervises a named set of MCP sub-processes: it starts, stops,
// restarts, and health-checks them, auto-restarting on crash.
type Manager struct {
	mu     sync.RWMutex
	procs  map[string]*process
	logger *slog.Logger

	healthInterval time.Duration
	stopHealth     context.CancelFunc
	healthWG       sync.WaitGroup
}

// NewManager builds a Manager over the given server configs. Only entries
// with Enabled set are ever started.
func NewManager(configs []ServerConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		procs:          make(map[string]*process),
		logger:         logger,
		healthInterval: 30 * time.Second,
	}
	for _, cfg := range configs {
		m.procs[cfg.Name] = &process{config: cfg, state: StateStopped}
	}
	return m
}

// StartAll starts every enabled, currently-stopped server.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := m.StartServer(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every server, idempotently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := m.StopServer(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartServer starts a named server. Idempotent: already RUNNING or
// STARTING returns success without restarting the process.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.procs[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", name)
	}

	switch p.getState() {
	case StateRunning, StateStarting:
		return nil
	}

	if !p.config.Enabled {
		return fmt.Errorf("mcp: server %q is disabled", name)
	}

	p.setState(StateStarting)

	var transport supervisedTransport
	var err error
	if p.config.Image != "" {
		env := make([]string, 0, len(p.config.Env))
		for k, v := range p.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		transport, err = sandbox.NewDockerTransport(ctx, sandbox.ContainerConfig{
			Image: p.config.Image,
			Cmd:   p.config.ContainerCmd,
			Env:   env,
		})
	} else {
		transport, err = NewReconnectableTransport(p.config.Command, p.config.Args, p.config.Env)
	}
	if err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("mcp: start %q: %w", name, err)
	}

	client, err := NewClient(name, transport)
	if err != nil {
		transport.Close()
		p.setState(StateFailed)
		return fmt.Errorf("mcp: create client for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		client.Close()
		p.setState(StateFailed)
		return fmt.Errorf("mcp: initialize %q: %w", name, err)
	}

	p.mu.Lock()
	p.transport = transport
	p.client = client
	p.tools = nil
	p.mu.Unlock()
	p.setState(StateRunning)

	m.logger.Info("mcp server started", "server", name)
	return nil
}

// StopServer sends a graceful terminate, waits up to 5s, then forces a
// close. Idempotent: a non-running server returns success.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.procs[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", name)
	}

	if p.getState() == StateStopped {
		return nil
	}
	p.setState(StateStopping)

	p.mu.Lock()
	client := p.client
	p.client = nil
	p.transport = nil
	p.tools = nil
	p.mu.Unlock()

	if client != nil {
		done := make(chan error, 1)
		go func() { done <- client.Close() }()
		select {
		case err := <-done:
			if err != nil {
				m.logger.Warn("mcp stop: close returned error", "server", name, "error", err)
			}
		case <-time.After(5 * time.Second):
			m.logger.Warn("mcp stop: graceful close timed out, force killing", "server", name)
		}
	}

	p.setState(StateStopped)
	m.logger.Info("mcp server stopped", "server", name)
	return nil
}

// RestartServer stops (if running) then starts a named server.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	if err := m.StopServer(ctx, name); err != nil {
		return err
	}
	return m.StartServer(ctx, name)
}

// Status reports the current state of a named server, or StateStopped
// plus a not-found error if the name is unknown.
func (m *Manager) Status(name string) (MCPServerState, error) {
	m.mu.RLock()
	p, ok := m.procs[name]
	m.mu.RUnlock()
	if !ok {
		return StateStopped, fmt.Errorf("mcp: unknown server %q", name)
	}
	return p.getState(), nil
}

// ServerNames returns every configured server name, running or not.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	return names
}

// Healthy reports whether a named server is currently RUNNING.
func (m *Manager) Healthy(name string) bool {
	m.mu.RLock()
	p, ok := m.procs[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return p.getState() == StateRunning
}

// DiscoverTools lists and caches the tools exposed by a running server.
func (m *Manager) DiscoverTools(ctx context.Context, name string) ([]DiscoveredTool, error) {
	m.mu.RLock()
	p, ok := m.procs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", name)
	}

	p.mu.RLock()
	if len(p.tools) > 0 {
		cached := append([]DiscoveredTool(nil), p.tools...)
		p.mu.RUnlock()
		return cached, nil
	}
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("mcp: server %q is not running", name)
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	raw, err := client.ListTools(listCtx)
	if err != nil {
		return nil, fmt.Errorf("mcp: discover tools on %q: %w", name, err)
	}

	discovered := make([]DiscoveredTool, 0, len(raw))
	for _, t := range raw {
		discovered = append(discovered, DiscoveredTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			ServerName:  name,
		})
	}

	p.mu.Lock()
	p.tools = discovered
	p.mu.Unlock()

	return discovered, nil
}

// CallTool invokes a tool on a named server.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	p, ok := m.procs[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", serverName)
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("mcp: server %q is not running", serverName)
	}

	return client.CallTool(ctx, toolName, args)
}

// StartHealthMonitoring begins the periodic health-check loop: any server
// whose process has exited is marked FAILED and auto-restarted. Safe to
// call once; a second call is a no-op.
func (m *Manager) StartHealthMonitoring(ctx context.Context) {
	m.mu.Lock()
	if m.stopHealth != nil {
		m.mu.Unlock()
		return
	}
	hctx, cancel := context.WithCancel(ctx)
	m.stopHealth = cancel
	m.mu.Unlock()

	m.healthWG.Add(1)
	go func() {
		defer m.healthWG.Done()
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				m.runHealthCheck(hctx)
			}
		}
	}()
}

// StopHealthMonitoring cancels the health-check loop and waits for it to
// exit cleanly.
func (m *Manager) StopHealthMonitoring() {
	m.mu.Lock()
	cancel := m.stopHealth
	m.stopHealth = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.healthWG.Wait()
}

func (m *Manager) runHealthCheck(ctx context.Context) {
	m.mu.RLock()
	procs := make(map[string]*process, len(m.procs))
	for name, p := range m.procs {
		procs[name] = p
	}
	m.mu.RUnlock()

	for name, p := range procs {
		if p.getState() != StateRunning {
			continue
		}
		p.mu.RLock()
		transport := p.transport
		p.mu.RUnlock()
		if transport != nil && transport.Alive() {
			continue
		}

		m.logger.Warn("mcp server process exited, marking failed", "server", name)
		p.setState(StateFailed)
		if err := m.StartServer(ctx, name); err != nil {
			p.mu.Lock()
			p.restarts++
			p.mu.Unlock()
			m.logger.Error("mcp auto-restart failed", "server", name, "error", err)
		} else {
			m.logger.Info("mcp server auto-restarted", "server", name)
		}
	}
}

// Stop stops every server and the health-check loop. Safe to call during
// shutdown regardless of whether monitoring was ever started.
func (m *Manager) Stop(ctx context.Context) error {
	m.StopHealthMonitoring()
	return m.StopAll(ctx)
}
