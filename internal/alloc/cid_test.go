package alloc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

func TestCIDAllocatorFirstIsThree(t *testing.T) {
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	id, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if id != 3 {
		t.Errorf("first CID = %d, want 3", id)
	}
}

func TestCIDAllocatorSequential(t *testing.T) {
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	var got []uint32
	for i := 0; i < 3; i++ {
		id, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		got = append(got, id)
	}
	want := []uint32{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCIDAllocatorReleaseReuse(t *testing.T) {
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	id1, _ := a.Acquire()
	id2, _ := a.Acquire()
	if err := a.Release(id1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	id3, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if id3 != id1 {
		t.Errorf("expected LIFO reuse of %d, got %d", id1, id3)
	}
	if id2 == id3 {
		t.Errorf("id2 and id3 unexpectedly equal")
	}
}

func TestCIDAllocatorReleaseIdempotent(t *testing.T) {
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	id, _ := a.Acquire()
	if err := a.Release(id); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(id); err != nil {
		t.Fatalf("second release: %v", err)
	}
	free, _, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	count := 0
	for _, f := range free {
		if f == id {
			count++
		}
	}
	if count != 1 {
		t.Errorf("id %d appears %d times in free list, want 1", id, count)
	}
}

func TestCIDAllocatorReleaseNeverAllocatedIsNoop(t *testing.T) {
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	if err := a.Release(999); err != nil {
		t.Fatalf("Release of never-allocated id: %v", err)
	}
	free, next, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(free) != 0 || next != cidMin {
		t.Errorf("release of unallocated id mutated state: free=%v next=%d", free, next)
	}
}

func TestCIDAllocatorExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cid.json")
	a := NewCIDAllocator(path)
	// Force Next to the top of the range by writing state directly.
	st := cidState{Next: cidMax}
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal seed state: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if _, err := a.Acquire(); !bsxerr.Is(err, bsxerr.AllocatorExhausted) {
		t.Errorf("Acquire at exhaustion = %v, want AllocatorExhausted", err)
	}
}
