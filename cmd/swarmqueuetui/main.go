// Command swarmqueuetui is a read-only terminal viewer over the core's
// task and MCP status: a consumer of the same read APIs cmd/swarmqueue
// exposes, per the spec's framing that the TUI sits outside the core.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/swarmqueue/internal/config"
	"github.com/basket/swarmqueue/internal/mcp"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/tui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer store.Close()

	var mcpConfigs []mcp.ServerConfig
	for _, sc := range cfg.MCP.Servers {
		mcpConfigs = append(mcpConfigs, mcp.ServerConfig{
			Name: sc.Name, Command: sc.Command, Args: sc.Args, Env: sc.Env, Enabled: sc.Enabled,
			Image: sc.Image, ContainerCmd: sc.ContainerCmd,
		})
	}
	mcpMgr := mcp.NewManager(mcpConfigs, slog.Default())

	provider := func(ctx context.Context) tui.Snapshot {
		snap := tui.Snapshot{}
		tasks, err := store.ListTasks(ctx, nil, 50)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.Tasks = tasks
		statuses := make(map[string]string, len(mcpMgr.ServerNames()))
		for _, name := range mcpMgr.ServerNames() {
			st, _ := mcpMgr.Status(name)
			statuses[name] = string(st)
		}
		snap.MCPStatus = statuses
		return snap
	}

	if err := tui.Run(ctx, provider); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "tui:", err)
		os.Exit(1)
	}
}
