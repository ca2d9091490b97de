package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/swarmqueue/internal/memory"
)

func runMemCommand(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "list":
		return runMemList(ctx, e, args[1:])
	case "show":
		return runMemShow(ctx, e, args[1:])
	case "prune":
		return runMemPrune(ctx, e, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown mem subcommand %q\n", args[0])
		return 2
	}
}

func runMemList(ctx context.Context, e *env, args []string) int {
	namespaces, err := e.memSvc.ListNamespaces(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	for _, ns := range namespaces {
		fmt.Println(ns)
	}
	return 0
}

func runMemShow(ctx context.Context, e *env, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "mem show: a namespace prefix is required")
		return 2
	}
	entries, err := e.memSvc.Search(ctx, args[0], "", 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	for _, entry := range entries {
		fmt.Printf("%s/%s\tv%d\t%s\t%s\n", entry.Namespace, entry.Key, entry.Version, entry.Type, string(entry.Value))
	}
	return 0
}

func runMemPrune(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("mem prune", flag.ContinueOnError)
	namespace := fs.String("namespace", "", "namespace prefix (required)")
	memType := fs.String("type", "", "semantic|episodic|procedural")
	olderThan := fs.String("older-than", "", "age threshold, e.g. 90d")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *namespace == "" {
		fmt.Fprintln(os.Stderr, "mem prune: --namespace is required")
		return 2
	}

	var cutoff time.Time
	if *olderThan != "" {
		days, err := parseAgeToDays(*olderThan)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mem prune:", err)
			return 3
		}
		cutoff = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	}

	entries, err := e.memSvc.Search(ctx, *namespace, memory.Type(*memType), 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}

	var toDelete []*memory.Entry
	for _, entry := range entries {
		if !cutoff.IsZero() && entry.UpdatedAt.After(cutoff) {
			continue
		}
		toDelete = append(toDelete, entry)
	}

	fmt.Printf("would delete %d memory entr(ies)\n", len(toDelete))
	if len(toDelete) == 0 {
		return 0
	}

	deleted := 0
	for _, entry := range toDelete {
		ok, err := e.memSvc.Delete(ctx, entry.Namespace, entry.Key, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		if ok {
			deleted++
		}
	}
	fmt.Printf("deleted %d memory entr(ies)\n", deleted)
	return 0
}
