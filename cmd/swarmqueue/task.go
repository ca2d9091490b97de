package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/queue"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// applyPreprocessWASM runs prompt through the named WASM module's
// "transform" export via the sandbox, returning the transformed prompt.
// Used by task submit --preprocess-wasm for input normalization hooks
// that must not run with the CLI process's own privileges.
func applyPreprocessWASM(ctx context.Context, e *env, wasmPath, prompt string) (string, error) {
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return "", fmt.Errorf("read wasm module: %w", err)
	}
	name := wasmPath
	if err := e.sandbox.LoadModule(ctx, name, wasmBytes); err != nil {
		return "", err
	}
	out, err := e.sandbox.Invoke(ctx, name, []byte(prompt))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func runTaskCommand(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "submit":
		return runTaskSubmit(ctx, e, args[1:])
	case "list":
		return runTaskList(ctx, e, args[1:])
	case "show":
		return runTaskShow(ctx, e, args[1:])
	case "prune":
		return runTaskPrune(ctx, e, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand %q\n", args[0])
		return 2
	}
}

func runTaskSubmit(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("task submit", flag.ContinueOnError)
	source := fs.String("source", string(persistence.TaskSourceHuman), "task source")
	prereqs := fs.String("prereqs", "", "comma-separated prerequisite task ids")
	priorityFlag := fs.Int("priority", 5, "priority 0-10")
	deadline := fs.String("deadline", "", "RFC3339 deadline")
	agentType := fs.String("agent-type", "general", "agent type to dispatch to")
	preprocessWASM := fs.String("preprocess-wasm", "", "path to a WASM module to run the prompt through before enqueue")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "task submit: a prompt is required")
		return 2
	}
	prompt := strings.Join(fs.Args(), " ")

	if *preprocessWASM != "" {
		transformed, err := applyPreprocessWASM(ctx, e, *preprocessWASM, prompt)
		if err != nil {
			fmt.Fprintln(os.Stderr, friendlyError(err))
			return 1
		}
		prompt = transformed
	}

	var prereqIDs []uuid.UUID
	if *prereqs != "" {
		for _, s := range strings.Split(*prereqs, ",") {
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil {
				fmt.Fprintf(os.Stderr, "task submit: invalid prerequisite id %q\n", s)
				return 3
			}
			prereqIDs = append(prereqIDs, id)
		}
	}

	var deadlinePtr *time.Time
	if *deadline != "" {
		t, err := time.Parse(time.RFC3339, *deadline)
		if err != nil {
			fmt.Fprintln(os.Stderr, "task submit: --deadline must be RFC3339")
			return 3
		}
		deadlinePtr = &t
	}

	task, err := e.queueSvc.EnqueueTask(ctx, queue.EnqueueInput{
		Prompt:         prompt,
		AgentType:      *agentType,
		Priority:       *priorityFlag,
		Source:         persistence.TaskSource(*source),
		DependencyType: persistence.DependencySequential,
		Prerequisites:  prereqIDs,
		Deadline:       deadlinePtr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	fmt.Println(task.ID.String())
	return 0
}

func runTaskList(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	excludeStatus := fs.String("exclude-status", "", "exclude a status")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var statuses []persistence.TaskStatus
	if *status != "" {
		statuses = []persistence.TaskStatus{persistence.TaskStatus(strings.ToUpper(*status))}
	}
	tasks, err := e.store.ListTasks(ctx, statuses, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	exclude := persistence.TaskStatus(strings.ToUpper(*excludeStatus))
	for _, t := range tasks {
		if *excludeStatus != "" && t.Status == exclude {
			continue
		}
		fmt.Printf("%s\t%-9s\t%5.2f\t%s\n", t.ID, t.Status, t.CalculatedPriority, truncate(t.Summary, 60))
	}
	return 0
}

func runTaskShow(ctx context.Context, e *env, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "task show: a task id is required")
		return 2
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "task show: invalid task id")
		return 3
	}
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}

	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	fmt.Println(string(out))

	children, err := e.store.ListChildTasks(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	if len(children) > 0 {
		fmt.Println("\nchildren (submitted_at ASC):")
		for _, c := range children {
			summary := "-"
			if c.Summary != "" {
				summary = truncateWithEllipsis(c.Summary, 40)
			}
			fmt.Printf("  %s\t%-9s\t%s\n", c.ID, c.Status, summary)
		}
	}
	return 0
}

func runTaskPrune(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("task prune", flag.ContinueOnError)
	status := fs.String("status", "", "comma-separated statuses eligible for pruning")
	olderThan := fs.String("older-than", "", "age threshold, e.g. 30d, 4w, 6m, 1y")
	taskIDs := fs.String("task-ids", "", "comma-separated task ids")
	recursive := fs.Bool("recursive", false, "prune whole subtrees, preserving partial trees")
	dryRun := fs.Bool("dry-run", false, "preview only, no deletion")
	force := fs.Bool("force", false, "skip the confirmation prompt")
	vacuum := fs.String("vacuum", "conditional", "always|conditional|never")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	filters := persistence.PruneFilters{
		DryRun:     *dryRun,
		Recursive:  *recursive,
		VacuumMode: *vacuum,
	}
	if *status != "" {
		for _, s := range strings.Split(*status, ",") {
			filters.Statuses = append(filters.Statuses, persistence.TaskStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if *taskIDs != "" {
		for _, s := range strings.Split(*taskIDs, ",") {
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil {
				fmt.Fprintf(os.Stderr, "task prune: invalid task id %q\n", s)
				return 3
			}
			filters.TaskIDs = append(filters.TaskIDs, id)
		}
	}
	if *olderThan != "" {
		days, err := parseAgeToDays(*olderThan)
		if err != nil {
			fmt.Fprintln(os.Stderr, "task prune:", err)
			return 3
		}
		filters.OlderThanDays = &days
	}

	preview := filters
	preview.DryRun = true
	previewResult, err := e.store.Prune(ctx, preview)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	fmt.Printf("would delete %d task(s), %d dependency edge(s)\n", previewResult.DeletedTasks, previewResult.DeletedDependencies)
	for st, n := range previewResult.BreakdownByStatus {
		fmt.Printf("  %-9s %d\n", st, n)
	}

	if *dryRun {
		return 0
	}
	if previewResult.DeletedTasks == 0 {
		fmt.Println("nothing to prune")
		return 0
	}
	if !*force {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			fmt.Fprintln(os.Stderr, "task prune: refusing to prompt on a non-interactive stdin; pass --force")
			return 3
		}
		fmt.Print("proceed with deletion? [y/N] ")
		var reply string
		fmt.Scanln(&reply)
		if strings.ToLower(strings.TrimSpace(reply)) != "y" {
			fmt.Println("aborted")
			return 0
		}
	}

	result, err := e.store.Prune(ctx, filters)
	if err != nil {
		fmt.Fprintln(os.Stderr, friendlyError(err))
		return 1
	}
	fmt.Printf("deleted %d task(s), %d dependency edge(s), vacuum_auto_skipped=%v\n",
		result.DeletedTasks, result.DeletedDependencies, result.VacuumAutoSkipped)
	return 0
}

// parseAgeToDays converts an "Nd|Nw|Nm|Ny" duration string to a day count,
// matching the unit conventions "task prune --older-than" accepts.
func parseAgeToDays(s string) (int, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid age %q, expected e.g. 30d", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", s, err)
	}
	switch unit {
	case 'd':
		return n, nil
	case 'w':
		return n * 7, nil
	case 'm':
		return n * 30, nil
	case 'y':
		return n * 365, nil
	default:
		return 0, fmt.Errorf("invalid age unit %q, want one of d,w,m,y", string(unit))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateWithEllipsis(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
