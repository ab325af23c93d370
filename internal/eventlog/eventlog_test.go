package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesNDJSONAndIndex(t *testing.T) {
	dir := t.TempDir()
	lg, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer lg.Close()

	if err := lg.Append(context.Background(), "vm-1", "booting", map[string]any{"reason": "create"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lg.Append(context.Background(), "vm-1", "running", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "vm-1.ndjson"))
	if err != nil {
		t.Fatalf("read ndjson file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("ndjson file is empty")
	}

	events, err := lg.Query(context.Background(), "vm-1", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Query returned %d events, want 2", len(events))
	}
}

func TestQueryFiltersByVmID(t *testing.T) {
	dir := t.TempDir()
	lg, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer lg.Close()

	lg.Append(context.Background(), "vm-a", "created", nil)
	lg.Append(context.Background(), "vm-b", "created", nil)

	events, err := lg.Query(context.Background(), "vm-a", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].VmID != "vm-a" {
		t.Fatalf("Query(vm-a) = %+v, want exactly one vm-a event", events)
	}
}
