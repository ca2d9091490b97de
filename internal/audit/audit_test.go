package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	svc, err := New(home)
	if err != nil {
		t.Fatalf("new audit service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	if err := svc.Record(ctx, Entry{TaskID: "t-1", ActionType: "task_created"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Record(ctx, Entry{
		MemoryOperationType: "set",
		MemoryNamespace:     "agent.coder",
		ActionType:          "memory_write",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["TaskID"] != "t-1" || first["ActionType"] != "task_created" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
}

func TestRecordAppendOnly(t *testing.T) {
	home := t.TempDir()
	svc, err := New(home)
	if err != nil {
		t.Fatalf("new audit service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	_ = svc.Record(ctx, Entry{ActionType: "test.op1"})
	_ = svc.Record(ctx, Entry{ActionType: "test.op2"})

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	_ = svc.Record(ctx, Entry{ActionType: "test.op3"})

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, info2.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["Timestamp"]; !ok {
			t.Fatalf("line %d missing Timestamp", i)
		}
		if _, ok := e["ActionType"]; !ok {
			t.Fatalf("line %d missing ActionType", i)
		}
	}
}

func TestRecordRedactsSecretsInActionData(t *testing.T) {
	home := t.TempDir()
	svc, err := New(home)
	if err != nil {
		t.Fatalf("new audit service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	data, _ := json.Marshal(map[string]string{"token": "Bearer sk-ant-abc123xyz"})
	if err := svc.Record(context.Background(), Entry{ActionType: "test", ActionData: data}); err != nil {
		t.Fatalf("record: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-ant-abc123xyz") {
		t.Fatalf("expected secret to be redacted from audit log, got %s", raw)
	}
}
