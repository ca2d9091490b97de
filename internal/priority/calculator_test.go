package priority

import (
	"testing"
	"time"

	"github.com/basket/swarmqueue/internal/persistence"
)

func TestNew_RejectsUnbalancedWeights(t *testing.T) {
	_, err := New(nil, Weights{Base: 0.5, Depth: 0.5, Urgency: 0.5}, nil)
	if err == nil {
		t.Fatal("expected weights summing to 1.5 to be rejected")
	}
}

func TestNew_AcceptsDefaultWeights(t *testing.T) {
	c, err := New(nil, DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil calculator")
	}
}

func TestUrgencyScore_NoDeadline(t *testing.T) {
	c, _ := New(nil, DefaultWeights(), nil)
	if got := c.urgencyScore(nil, nil); got != 50.0 {
		t.Fatalf("expected neutral 50.0 for no deadline, got %v", got)
	}
}

func TestUrgencyScore_PastDeadline(t *testing.T) {
	c, _ := New(nil, DefaultWeights(), nil)
	past := time.Now().Add(-time.Hour)
	if got := c.urgencyScore(&past, nil); got != 100.0 {
		t.Fatalf("expected 100.0 for past deadline, got %v", got)
	}
}

func TestUrgencyScore_InsufficientTime(t *testing.T) {
	c, _ := New(nil, DefaultWeights(), nil)
	deadline := time.Now().Add(30 * time.Second)
	dur := 120
	if got := c.urgencyScore(&deadline, &dur); got != 100.0 {
		t.Fatalf("expected 100.0 when time remaining < estimated duration, got %v", got)
	}
}

func TestUrgencyScore_ThresholdsWithoutDuration(t *testing.T) {
	c, _ := New(nil, DefaultWeights(), nil)
	cases := []struct {
		in   time.Duration
		want float64
	}{
		{30 * time.Second, 100.0},
		{30 * time.Minute, 80.0},
		{12 * time.Hour, 50.0},
		{3 * 24 * time.Hour, 30.0},
		{30 * 24 * time.Hour, 10.0},
	}
	for _, tc := range cases {
		deadline := time.Now().Add(tc.in)
		if got := c.urgencyScore(&deadline, nil); got != tc.want {
			t.Errorf("remaining=%v: want %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestSourceScore(t *testing.T) {
	c, _ := New(nil, DefaultWeights(), nil)
	cases := map[persistence.TaskSource]float64{
		persistence.TaskSourceHuman:          100.0,
		persistence.TaskSourceRequirements:   75.0,
		persistence.TaskSourcePlanner:        50.0,
		persistence.TaskSourceImplementation: 25.0,
		persistence.TaskSource("UNKNOWN"):    0.0,
	}
	for source, want := range cases {
		if got := c.sourceScore(source); got != want {
			t.Errorf("source %s: want %v, got %v", source, want, got)
		}
	}
}
