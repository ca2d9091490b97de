package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/basket/swarmqueue/internal/gateway"
)

// runGatewayCommand serves the read-only WebSocket streaming surface
// external consumers (TUI, future visualization layers) poll and
// subscribe through; it never mutates task state.
func runGatewayCommand(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprintln(os.Stderr, "usage: gateway serve [--addr host:port]")
		return 2
	}
	fs := flag.NewFlagSet("gateway serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8787", "listen address")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	srv := gateway.New(gateway.Config{Store: e.store, Bus: e.eventBus, MCP: e.mcpMgr, Logger: e.log})
	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	e.log.Info("gateway listening", "addr", *addr)
	select {
	case <-ctx.Done():
		_ = httpSrv.Close()
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		return 0
	}
}
