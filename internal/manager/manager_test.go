package manager

import (
	"context"
	"testing"
	"time"

	"github.com/hacke-rc/bandsox/internal/alloc"
	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/netprovision"
	"github.com/hacke-rc/bandsox/internal/snapshot"
	"github.com/hacke-rc/bandsox/internal/vmctl"
	"github.com/hacke-rc/bandsox/internal/vmm"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := metadata.NewStore(dir+"/metadata", dir+"/snapshots")

	cfg := &config.Config{
		SnapshotsDir:   dir + "/snapshots",
		ImagesDir:      dir + "/images",
		PauseAfterIdle: time.Hour,
		StopAfterIdle:  time.Hour,
	}
	deps := vmctl.Deps{
		Config:    cfg,
		Store:     store,
		CIDAlloc:  alloc.NewCIDAllocator(dir + "/cid.json"),
		PortAlloc: alloc.NewPortAllocator(dir + "/port.json"),
		Net:       netprovision.New("bsxtest"),
		NewClient: func(string) vmm.Client { return vmm.NewFakeClient() },
	}
	snapEng := snapshot.New(cfg, store)
	return New(deps, snapEng, nil)
}

func TestCreateWithoutBootLeavesCreatedStatus(t *testing.T) {
	m := newTestManager(t)
	desc, err := m.Create(context.Background(), CreateOptions{
		RootfsPath: "/tmp/rootfs.ext4",
		KernelPath: "/tmp/vmlinux",
		Boot:       false,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if desc.Status != metadata.StatusCreated {
		t.Fatalf("status = %s, want Created", desc.Status)
	}
	if _, err := m.Get(desc.VmID); err != nil {
		t.Fatalf("Get after Create: %v", err)
	}
}

func TestCreateRejectsMissingImages(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateOptions{})
	if !bsxerr.Is(err, bsxerr.InvalidArgument) {
		t.Fatalf("Create with no images: got %v, want InvalidArgument", err)
	}
}

func TestCreateRejectsImageRefWithoutBuilder(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateOptions{
		ImageRef:   "docker.io/library/alpine:latest",
		KernelPath: "/tmp/vmlinux",
	})
	if !bsxerr.Is(err, bsxerr.InvalidArgument) {
		t.Fatalf("Create with image_ref and no builder: got %v, want InvalidArgument", err)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	opts := CreateOptions{Name: "sandbox-1", RootfsPath: "/tmp/a.ext4", KernelPath: "/tmp/vmlinux"}
	if _, err := m.Create(context.Background(), opts); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create(context.Background(), opts); !bsxerr.Is(err, bsxerr.InvalidArgument) {
		t.Fatalf("duplicate name: got %v, want InvalidArgument", err)
	}
}

func TestListReflectsCreatedVMs(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), CreateOptions{RootfsPath: "/tmp/a.ext4", KernelPath: "/tmp/vmlinux"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if got := len(m.List()); got != 3 {
		t.Fatalf("List returned %d vms, want 3", got)
	}
}

func TestReconcileLoadsPersistedVMs(t *testing.T) {
	dir := t.TempDir()
	store := metadata.NewStore(dir+"/metadata", dir+"/snapshots")
	desc := &metadata.VmDescriptor{VmID: "vm-stopped", Status: metadata.StatusStopped}
	if err := store.PutVM(desc); err != nil {
		t.Fatalf("PutVM: %v", err)
	}

	cfg := &config.Config{SnapshotsDir: dir + "/snapshots", ImagesDir: dir + "/images"}
	deps := vmctl.Deps{
		Config:    cfg,
		Store:     store,
		CIDAlloc:  alloc.NewCIDAllocator(dir + "/cid.json"),
		PortAlloc: alloc.NewPortAllocator(dir + "/port.json"),
		Net:       netprovision.New("bsxtest"),
		NewClient: func(string) vmm.Client { return vmm.NewFakeClient() },
	}
	m := New(deps, snapshot.New(cfg, store), nil)
	if err := m.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := m.Get("vm-stopped"); err != nil {
		t.Fatalf("Get after Reconcile: %v", err)
	}
}

func TestDeleteRemovesController(t *testing.T) {
	m := newTestManager(t)
	desc, err := m.Create(context.Background(), CreateOptions{RootfsPath: "/tmp/a.ext4", KernelPath: "/tmp/vmlinux"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctrl, err := m.Get(desc.VmID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Delete(context.Background(), desc.VmID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(desc.VmID); !bsxerr.Is(err, bsxerr.NotFound) {
		t.Fatalf("Get after Delete: got %v, want NotFound", err)
	}
}
