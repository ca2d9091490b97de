package main

import (
	"context"
	"fmt"
	"os"
)

func runMCPCommand(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "list":
		for _, name := range e.mcpMgr.ServerNames() {
			state, _ := e.mcpMgr.Status(name)
			fmt.Printf("%-20s %s\n", name, state)
		}
		return 0
	case "start":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "mcp start: a server name is required")
			return 2
		}
		if err := e.mcpMgr.StartServer(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		return 0
	case "stop":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "mcp stop: a server name is required")
			return 2
		}
		if err := e.mcpMgr.StopServer(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		return 0
	case "restart":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "mcp restart: a server name is required")
			return 2
		}
		if err := e.mcpMgr.RestartServer(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		return 0
	case "status":
		if len(args) >= 2 {
			state, err := e.mcpMgr.Status(args[1])
			if err != nil {
				fmt.Fprintln(os.Stderr, friendlyError(err))
				return 1
			}
			fmt.Printf("%-20s %s\n", args[1], state)
			return 0
		}
		for _, name := range e.mcpMgr.ServerNames() {
			state, _ := e.mcpMgr.Status(name)
			fmt.Printf("%-20s %s\n", name, state)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown mcp subcommand %q\n", args[0])
		return 2
	}
}
