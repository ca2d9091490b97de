// Package sandbox provides an alternate MCP transport that runs a
// server inside a Docker container instead of as a bare subprocess,
// for MCP server configs that declare a container image. It implements
// the same mcp.Transport interface StdioTransport does, so the manager
// can swap one for the other without changing client/protocol code.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerConfig describes a container-backed MCP server.
type ContainerConfig struct {
	Image       string
	Cmd         []string
	Env         []string
	MemoryMB    int64
	NetworkMode string
}

// DockerTransport speaks newline-delimited JSON-RPC over a container's
// attached stdio, the same framing StdioTransport uses for subprocesses.
type DockerTransport struct {
	cli         *client.Client
	containerID string

	mu      sync.Mutex
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	closer  io.Closer
	running bool
}

// NewDockerTransport creates and starts a container running the MCP
// server, attaching to its stdio for the lifetime of the transport.
func NewDockerTransport(ctx context.Context, cfg ContainerConfig) (*DockerTransport, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}

	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "bridge"
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: memoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(networkMode),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	hijacked, err := cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: attach container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		_ = cli.Close()
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	go func() {
		// Docker multiplexes stdout/stderr on Conn.Reader; demux stderr
		// to a logger sink and stdout to the pipe Receive reads from.
		_, err := stdcopy.StdCopy(stdoutW, stderrLogWriter{}, hijacked.Reader)
		_ = stdoutW.CloseWithError(err)
	}()

	return &DockerTransport{
		cli:         cli,
		containerID: resp.ID,
		stdin:       hijacked.Conn,
		stdout:      bufio.NewReader(stdoutR),
		closer:      hijacked.Conn,
		running:     true,
	}, nil
}

type stderrLogWriter struct{}

func (stderrLogWriter) Write(p []byte) (int, error) {
	slog.Debug("mcp container stderr", "msg", string(p))
	return len(p), nil
}

// Send writes a newline-delimited JSON-RPC message to the container's stdin.
func (t *DockerTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("sandbox: transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("sandbox: write stdin: %w", err)
	}
	return nil
}

// Receive reads one newline-delimited JSON-RPC message, honoring ctx.
func (t *DockerTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.line), nil
	}
}

// Alive reports whether the backing container is still running.
func (t *DockerTransport) Alive() bool {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return false
	}
	inspect, err := t.cli.ContainerInspect(context.Background(), t.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Close stops and removes the container (AutoRemove handles removal)
// and releases the docker client.
func (t *DockerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.closer.Close()
	timeout := 5
	_ = t.cli.ContainerStop(context.Background(), t.containerID, container.StopOptions{Timeout: &timeout})
	return t.cli.Close()
}
