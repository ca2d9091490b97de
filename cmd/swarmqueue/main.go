// Command swarmqueue is a thin CLI over the core task-queue/swarm
// services: exactly the verbs the core's read/write APIs expose, none
// of the interactive or visualization framing that layer is deliberately
// excluded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/swarmqueue/internal/audit"
	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/channels"
	"github.com/basket/swarmqueue/internal/config"
	"github.com/basket/swarmqueue/internal/depgraph"
	"github.com/basket/swarmqueue/internal/mcp"
	"github.com/basket/swarmqueue/internal/memory"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/priority"
	"github.com/basket/swarmqueue/internal/queue"
	"github.com/basket/swarmqueue/internal/telemetry"
	"github.com/basket/swarmqueue/internal/tools"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [arguments]

  task submit <prompt> [--source s] [--prereqs id,id] [--priority N] [--deadline RFC3339]
  task list [--status s] [--exclude-status s] [--limit N]
  task show <id>
  task prune [--status s] [--older-than Nd|Nw|Nm|Ny] [--task-ids id,id] [--recursive] [--dry-run] [--force] [--vacuum always|conditional|never]
  mem list
  mem show <ns-prefix>
  mem prune --namespace p [--type t] [--older-than Nd|Nw|Nm|Ny]
  mcp list
  mcp start <name>
  mcp stop <name>
  mcp restart <name>
  mcp status [<name>]
  gateway serve [--addr host:port]

Exit codes: 0 success, 1 runtime error, other = validation error.
`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		os.Exit(1)
	}
	defer env.close()

	switch strings.ToLower(args[0]) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "task":
		os.Exit(runTaskCommand(ctx, env, args[1:]))
	case "mem":
		os.Exit(runMemCommand(ctx, env, args[1:]))
	case "mcp":
		os.Exit(runMCPCommand(ctx, env, args[1:]))
	case "gateway":
		os.Exit(runGatewayCommand(ctx, env, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// env bundles the wired core services a CLI invocation needs. It is
// built fresh per process and torn down on exit; the CLI is a client of
// the core, never a long-lived daemon.
type env struct {
	cfg      config.Config
	store    *persistence.Store
	resolver *depgraph.Resolver
	calc     *priority.Calculator
	eventBus *bus.Bus
	auditSvc *audit.Service
	queueSvc *queue.Service
	memSvc   *memory.Service
	mcpMgr   *mcp.Manager
	sandbox  *tools.Sandbox
	log      *slog.Logger
	logClose func() error
}

func newEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	eventBus := bus.NewWithLogger(log)

	store, err := persistence.Open(persistence.DefaultDBPath(), eventBus)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	auditSvc, err := audit.New(cfg.HomeDir)
	if err != nil {
		_ = store.Close()
		_ = closer.Close()
		return nil, fmt.Errorf("init audit: %w", err)
	}
	auditSvc.SetDB(store.DB())

	resolver := depgraph.New(store, time.Duration(cfg.DepGraphCacheTTLSeconds)*time.Second, log)

	weights := priority.Weights{
		Base:     cfg.PriorityWeights.Base,
		Depth:    cfg.PriorityWeights.Depth,
		Urgency:  cfg.PriorityWeights.Urgency,
		Blocking: cfg.PriorityWeights.Blocking,
		Source:   cfg.PriorityWeights.Source,
	}
	calc, err := priority.New(resolver, weights, log)
	if err != nil {
		_ = store.Close()
		_ = closer.Close()
		return nil, fmt.Errorf("init priority calculator: %w", err)
	}

	queueSvc := queue.New(store, resolver, calc, auditSvc, eventBus, queue.Config{}, log)
	memSvc := memory.New(store, auditSvc)

	var mcpConfigs []mcp.ServerConfig
	for _, sc := range cfg.MCP.Servers {
		mcpConfigs = append(mcpConfigs, mcp.ServerConfig{
			Name: sc.Name, Command: sc.Command, Args: sc.Args, Env: sc.Env, Enabled: sc.Enabled,
			Image: sc.Image, ContainerCmd: sc.ContainerCmd,
		})
	}
	mcpMgr := mcp.NewManager(mcpConfigs, log)

	var telegram *channels.TelegramNotifier
	if cfg.Channels.Telegram.Enabled {
		telegram, err = channels.NewTelegramNotifier(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, log)
		if err != nil {
			log.Warn("channels: telegram disabled", "err", err)
		} else {
			telegram.Start(eventBus)
		}
	}

	sandbox, err := tools.New(ctx, tools.Config{Logger: log})
	if err != nil {
		_ = store.Close()
		_ = closer.Close()
		return nil, fmt.Errorf("init sandbox: %w", err)
	}

	return &env{
		cfg: cfg, store: store, resolver: resolver, calc: calc,
		eventBus: eventBus, auditSvc: auditSvc, queueSvc: queueSvc,
		memSvc: memSvc, mcpMgr: mcpMgr, sandbox: sandbox, log: log, logClose: closer.Close,
	}, nil
}

func (e *env) close() {
	_ = e.sandbox.Close(context.Background())
	_ = e.store.Close()
	_ = e.logClose()
}

// friendlyError translates a core error into the one-line, non-stack-trace
// message the CLI is required to print; the full error is still logged by
// the caller's own logger before this is shown.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return "Database is locked or busy, try again"
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return "Database schema is out of date or corrupt"
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return "Operation would violate a data integrity constraint"
	default:
		return msg
	}
}
