package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/persistence"
)

func TestViewRendersTasksAndMCPStatus(t *testing.T) {
	m := model{
		snap: Snapshot{
			Tasks: []*persistence.Task{
				{
					ID:                 uuid.New(),
					Summary:            "do the thing",
					Status:             persistence.TaskStatusReady,
					CalculatedPriority: 42.5,
				},
			},
			MCPStatus: map[string]string{"fs": "RUNNING"},
			LastError: "boom",
		},
	}
	view := m.View()

	for _, want := range []string{"do the thing", "READY", "fs", "RUNNING", "boom", "prio=42.5"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewTruncatesLongSummary(t *testing.T) {
	long := strings.Repeat("x", 50)
	m := model{snap: Snapshot{Tasks: []*persistence.Task{{ID: uuid.New(), Summary: long, Status: persistence.TaskStatusBlocked}}}}
	view := m.View()
	if strings.Contains(view, long) {
		t.Fatal("expected long summary to be truncated")
	}
	if !strings.Contains(view, strings.Repeat("x", 40)+"…") {
		t.Errorf("expected truncated summary marker in view:\n%s", view)
	}
}

func TestUpdateQuitsOnQ(t *testing.T) {
	m := model{}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}
