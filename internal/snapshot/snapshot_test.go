package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hacke-rc/bandsox/internal/alloc"
	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/netprovision"
	"github.com/hacke-rc/bandsox/internal/vmctl"
	"github.com/hacke-rc/bandsox/internal/vmm"
)

func newTestEngine(t *testing.T) (*Engine, vmctl.Deps, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		SnapshotsDir: filepath.Join(dir, "snapshots"),
		ImagesDir:    filepath.Join(dir, "images"),
	}
	for _, d := range []string{cfg.SnapshotsDir, cfg.ImagesDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	store := metadata.NewStore(filepath.Join(dir, "metadata"), cfg.SnapshotsDir)
	deps := vmctl.Deps{
		Config:    cfg,
		Store:     store,
		CIDAlloc:  alloc.NewCIDAllocator(filepath.Join(dir, "cid.json")),
		PortAlloc: alloc.NewPortAllocator(filepath.Join(dir, "port.json")),
		Net:       netprovision.New("bsxtest"),
		NewClient: func(string) vmm.Client { return vmm.NewFakeClient() },
	}
	return New(cfg, store), deps, cfg
}

// TestCreateRefusesNonPaused exercises the one part of Engine.Create
// that doesn't require an already-running VMM backend: the state
// guard that runs before anything touches the VMM or the filesystem.
func TestCreateRefusesNonPaused(t *testing.T) {
	eng, deps, _ := newTestEngine(t)
	desc := &metadata.VmDescriptor{VmID: "vm-running", Status: metadata.StatusRunning}
	if err := deps.Store.PutVM(desc); err != nil {
		t.Fatalf("PutVM: %v", err)
	}
	ctrl := vmctl.New(deps, desc)

	_, err := eng.Create(context.Background(), ctrl, "snap-1")
	if !bsxerr.Is(err, bsxerr.StateConflict) {
		t.Fatalf("Create from Running: got %v, want StateConflict", err)
	}
}

// TestDeleteLeavesSourceVmUntouched writes a snapshot descriptor and
// its files directly (bypassing Create, which needs a live VMM
// backend) to verify Delete only ever removes the snapshot's own
// directory and never reaches into metadata for any VM.
func TestDeleteLeavesSourceVmUntouched(t *testing.T) {
	eng, deps, cfg := newTestEngine(t)

	sourceDesc := &metadata.VmDescriptor{VmID: "vm-source", Status: metadata.StatusPaused}
	if err := deps.Store.PutVM(sourceDesc); err != nil {
		t.Fatalf("PutVM source: %v", err)
	}

	snapDir := filepath.Join(cfg.SnapshotsDir, "snap-1")
	if err := os.MkdirAll(snapDir, 0700); err != nil {
		t.Fatalf("mkdir snapshot dir: %v", err)
	}
	rootfsCopy := filepath.Join(snapDir, "rootfs.ext4")
	if err := os.WriteFile(rootfsCopy, []byte("fake-ext4"), 0600); err != nil {
		t.Fatalf("write rootfs copy: %v", err)
	}
	snap := &metadata.SnapshotDescriptor{
		SnapshotID:     "snap-1",
		SourceVmID:     sourceDesc.VmID,
		MemFilePath:    filepath.Join(snapDir, "memory.bin"),
		StateFilePath:  filepath.Join(snapDir, "state.bin"),
		RootfsCopyPath: rootfsCopy,
	}
	if err := deps.Store.PutSnapshot(snap); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	if err := eng.Delete("snap-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(snapDir); !os.IsNotExist(err) {
		t.Fatalf("snapshot directory still present after Delete")
	}
	if _, err := deps.Store.GetVM(sourceDesc.VmID); err != nil {
		t.Fatalf("source vm descriptor affected by snapshot delete: %v", err)
	}
}

// TestCopyFileDuplicatesContent exercises the single-file copy idiom
// Create and Restore both use for duplicating a rootfs image.
func TestCopyFileDuplicatesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.ext4")
	dst := filepath.Join(dir, "dst.ext4")
	want := []byte("rootfs-bytes")
	if err := os.WriteFile(src, want, 0600); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("copied content = %q, want %q", got, want)
	}
}
