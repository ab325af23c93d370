package alloc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

func TestPortAllocatorFirstIsPortMin(t *testing.T) {
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	p, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p != portMin {
		t.Errorf("first port = %d, want %d", p, portMin)
	}
}

func TestPortAllocatorScansForward(t *testing.T) {
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	p1, _ := a.Acquire()
	p2, _ := a.Acquire()
	if p2 != p1+1 {
		t.Errorf("p2 = %d, want %d", p2, p1+1)
	}
}

func TestPortAllocatorReleaseIsNotReAdded(t *testing.T) {
	// Regression test: release must remove from used, not add to it.
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	p, _ := a.Acquire()
	if err := a.Release(p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	used, _, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, u := range used {
		if u == p {
			t.Fatalf("port %d still marked used after release", p)
		}
	}
}

func TestPortAllocatorReleaseThenReacquire(t *testing.T) {
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	p, _ := a.Acquire()
	if err := a.Release(p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	p2, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if p2 != p+1 {
		t.Errorf("expected scan-forward to continue from next (%d), not revisit freed port %d; got %d", p+1, p, p2)
	}
}

func TestPortAllocatorReleaseIdempotent(t *testing.T) {
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	p, _ := a.Acquire()
	if err := a.Release(p); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(p); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))
	span := int(portMax-portMin) + 1
	for i := 0; i < span; i++ {
		if _, err := a.Acquire(); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := a.Acquire(); !bsxerr.Is(err, bsxerr.AllocatorExhausted) {
		t.Errorf("Acquire past exhaustion = %v, want AllocatorExhausted", err)
	}
}

func TestPortAllocatorWrapsToFindFreedPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port.json")
	a := NewPortAllocator(path)
	p1, _ := a.Acquire() // portMin
	// Park the cursor on portMax, already in use, so the next scan has
	// to wrap around to the bottom of the range.
	p2 := portMax
	data, err := json.Marshal(portState{Used: []uint16{p1, p2}, Next: portMax})
	if err != nil {
		t.Fatalf("marshal seed state: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := a.Release(p1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	p3, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p3 != p1 {
		t.Errorf("expected scan to find freed port %d before advancing past %d, got %d", p1, p2, p3)
	}
}
