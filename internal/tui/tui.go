// Package tui is a thin, read-only terminal viewer over the queue and
// MCP read APIs, consistent with the spec's framing that the TUI is a
// consumer of the same read surface the CLI uses, not a core concern.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/swarmqueue/internal/persistence"
)

// Snapshot is a point-in-time read of queue and MCP status; the caller
// (cmd/swarmqueuetui) builds this from the same service read APIs the
// CLI uses, never by reaching into the store's write path.
type Snapshot struct {
	Tasks     []*persistence.Task
	MCPStatus map[string]string
	LastError string
}

// Provider refreshes a Snapshot on each tick.
type Provider func(ctx context.Context) Snapshot

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	statusStyle = map[persistence.TaskStatus]lipgloss.Style{
		persistence.TaskStatusReady:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		persistence.TaskStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		persistence.TaskStatusBlocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		persistence.TaskStatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		persistence.TaskStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

type model struct {
	ctx      context.Context
	provider Provider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return tickCmd() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider(m.ctx)
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("swarmqueue — task status (read-only)"))
	b.WriteString("\n\n")

	for _, t := range m.snap.Tasks {
		style, ok := statusStyle[t.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		summary := t.Summary
		if summary == "" {
			summary = "-"
		}
		if len(summary) > 40 {
			summary = summary[:40] + "…"
		}
		fmt.Fprintf(&b, "%s  %-8s  %-40s  prio=%.1f\n",
			t.ID.String()[:8], style.Render(string(t.Status)), summary, t.CalculatedPriority)
	}

	if len(m.snap.MCPStatus) > 0 {
		b.WriteString("\nMCP servers:\n")
		for name, state := range m.snap.MCPStatus {
			fmt.Fprintf(&b, "  %-20s %s\n", name, state)
		}
	}

	if m.snap.LastError != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("last error: " + m.snap.LastError))
		b.WriteString("\n")
	}

	b.WriteString("\npress q to quit\n")
	return b.String()
}

// Run starts the bubbletea program and blocks until the user quits or
// ctx is cancelled.
func Run(ctx context.Context, provider Provider) error {
	m := model{ctx: ctx, provider: provider, snap: provider(ctx)}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
