package vmctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hacke-rc/bandsox/internal/alloc"
	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/netprovision"
	"github.com/hacke-rc/bandsox/internal/vmm"
)

// newTestController builds a VmController whose client is already a
// FakeClient and whose status is pre-set, bypassing Boot's real process
// spawn — the same shortcut the teacher's own lifecycle tests take to
// avoid needing a real VMM backend.
func newTestController(t *testing.T, status metadata.Status) *VmController {
	t.Helper()
	dir := t.TempDir()
	store := metadata.NewStore(dir, dir)

	cfg := &config.Config{
		PauseAfterIdle: time.Hour,
		StopAfterIdle:  time.Hour,
	}
	deps := Deps{
		Config:    cfg,
		Store:     store,
		CIDAlloc:  alloc.NewCIDAllocator(dir + "/cid.json"),
		PortAlloc: alloc.NewPortAllocator(dir + "/port.json"),
		Net:       netprovision.New("bsxtest"),
		NewClient: func(string) vmm.Client { return vmm.NewFakeClient() },
	}
	desc := &metadata.VmDescriptor{
		VmID:   "vm-1",
		Status: status,
		VCPU:   1,
		MemMiB: 128,
	}
	if err := store.PutVM(desc); err != nil {
		t.Fatalf("PutVM: %v", err)
	}

	c := New(deps, desc)
	c.client = vmm.NewFakeClient()
	return c
}

func TestBootRefusesNonCreated(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)
	err := c.Boot(context.Background())
	if !bsxerr.Is(err, bsxerr.StateConflict) {
		t.Fatalf("Boot from Running: got %v, want StateConflict", err)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)

	if err := c.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusPaused {
		t.Fatalf("status after Pause = %s, want Paused", c.Descriptor().Status)
	}

	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusRunning {
		t.Fatalf("status after Resume = %s, want Running", c.Descriptor().Status)
	}
}

func TestPauseRefusesNonRunning(t *testing.T) {
	c := newTestController(t, metadata.StatusStopped)
	err := c.Pause(context.Background())
	if !bsxerr.Is(err, bsxerr.StateConflict) {
		t.Fatalf("Pause from Stopped: got %v, want StateConflict", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusStopped {
		t.Fatalf("status = %s, want Stopped", c.Descriptor().Status)
	}
}

func TestDeleteRefusesRunning(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)
	err := c.Delete(context.Background())
	if !bsxerr.Is(err, bsxerr.StateConflict) {
		t.Fatalf("Delete from Running: got %v, want StateConflict", err)
	}
}

func TestDeleteFromStoppedSucceeds(t *testing.T) {
	c := newTestController(t, metadata.StatusStopped)
	if err := c.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusDeleted {
		t.Fatalf("status = %s, want Deleted", c.Descriptor().Status)
	}
}

func TestDeleteRemovesRootfsAndSockets(t *testing.T) {
	c := newTestController(t, metadata.StatusStopped)
	c.deps.Config.SocketsDir = t.TempDir()
	c.deps.Config.VsockBase = t.TempDir()

	rootfs := t.TempDir() + "/rootfs.ext4"
	if err := os.WriteFile(rootfs, []byte("fake ext4"), 0600); err != nil {
		t.Fatalf("write fake rootfs: %v", err)
	}
	c.desc.RootfsPath = rootfs

	cid, err := c.deps.CIDAlloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire cid: %v", err)
	}
	udsPath := c.vsockUDSPath()
	c.desc.Vsock = &metadata.VsockConfig{CID: cid, Port: 5000, UDSPath: udsPath}

	apiSocket := c.apiSocketPath()
	logPath := c.deps.Config.SocketsDir + "/" + c.desc.VmID + ".log"
	vsockSocket := udsPath + "_5000"
	for _, p := range []string{apiSocket, logPath, vsockSocket} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			t.Fatalf("mkdir for %s: %v", p, err)
		}
		if err := os.WriteFile(p, []byte("x"), 0600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	if err := c.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, p := range []string{rootfs, apiSocket, logPath, vsockSocket} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s still exists after Delete (err=%v)", p, err)
		}
	}
}

func TestReconcileDowngradesDeadVmmPid(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)
	c.desc.VmmPID = 999999 // unlikely to be a live pid in the test environment

	if err := c.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusStopped {
		t.Fatalf("status after Reconcile = %s, want Stopped", c.Descriptor().Status)
	}
}

func TestReconcileReleasesCIDAndPort(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)
	c.desc.VmmPID = 999999

	cid, err := c.deps.CIDAlloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire cid: %v", err)
	}
	port, err := c.deps.PortAlloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire port: %v", err)
	}
	c.desc.Vsock = &metadata.VsockConfig{CID: cid, Port: port}

	if err := c.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	reacquiredCID, err := c.deps.CIDAlloc.Acquire()
	if err != nil {
		t.Fatalf("Acquire after Reconcile: %v", err)
	}
	if reacquiredCID != cid {
		t.Fatalf("cid %d was not released by Reconcile (got %d back on next acquire)", cid, reacquiredCID)
	}
	usedPorts, _, err := c.deps.PortAlloc.Snapshot()
	if err != nil {
		t.Fatalf("port allocator Snapshot after Reconcile: %v", err)
	}
	for _, u := range usedPorts {
		if u == port {
			t.Fatalf("port %d was not released by Reconcile (still in use: %v)", port, usedPorts)
		}
	}
}

func TestReconcileLeavesLiveVmmAlone(t *testing.T) {
	c := newTestController(t, metadata.StatusRunning)
	c.desc.VmmPID = os.Getpid() // definitely alive

	if err := c.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if c.Descriptor().Status != metadata.StatusRunning {
		t.Fatalf("status after Reconcile = %s, want unchanged Running", c.Descriptor().Status)
	}
}
