package tools

import (
	"context"
	"testing"
)

func TestSandboxMissingModule(t *testing.T) {
	ctx := context.Background()
	sb, err := New(ctx, Config{})
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Close(ctx)

	_, err = sb.Invoke(ctx, "does-not-exist", []byte("input"))
	if err == nil {
		t.Fatal("expected error for unloaded module")
	}
	fault, ok := err.(*Fault)
	if !ok || fault.Reason != FaultModuleLoad {
		t.Fatalf("expected FaultModuleLoad, got %v", err)
	}
}

func TestSandboxLoadModuleRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	sb, err := New(ctx, Config{})
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Close(ctx)

	err = sb.LoadModule(ctx, "garbage", []byte("not a wasm module"))
	if err == nil {
		t.Fatal("expected compile error for non-wasm bytes")
	}
	fault, ok := err.(*Fault)
	if !ok || fault.Reason != FaultModuleLoad {
		t.Fatalf("expected FaultModuleLoad, got %v", err)
	}
}
