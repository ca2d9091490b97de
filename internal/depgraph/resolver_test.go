package depgraph

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCircularDependencyErrorMessage(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	err := &CircularDependencyError{Cycles: [][]uuid.UUID{{a, b, a}}}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
}

func TestDetectCircularDependencies_SelfDependency(t *testing.T) {
	r := New(nil, 0, nil)
	id := uuid.New()
	r.graph = map[uuid.UUID]map[uuid.UUID]struct{}{}
	r.graphAt = time.Now()

	// exercise the self-dependency short-circuit, which never touches the store
	_, err := r.DetectCircularDependencies(context.Background(), id, []uuid.UUID{id})
	if err == nil {
		t.Fatal("expected self-dependency to be reported as a cycle")
	}
}

func TestGetExecutionOrder_Empty(t *testing.T) {
	r := New(nil, 0, nil)
	order, err := r.GetExecutionOrder(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("expected empty order, got %v", order)
	}
}

func TestInvalidateCache_ClearsDepthMemo(t *testing.T) {
	r := New(nil, 0, nil)
	id := uuid.New()
	r.depthMemo[id] = 3
	r.InvalidateCache()
	if _, ok := r.depthMemo[id]; ok {
		t.Fatal("expected depth memo to be cleared")
	}
	if r.graph != nil {
		t.Fatal("expected graph cache to be cleared")
	}
}
