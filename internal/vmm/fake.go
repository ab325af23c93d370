package vmm

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client used by VmController and Manager
// tests to exercise the boot/pause/resume/snapshot sequence without a
// real firecracker process or KVM.
type FakeClient struct {
	mu sync.Mutex

	MachineConfigured bool
	BootSourceSet     bool
	Drives            []string
	NetworkIfaces     []string
	VsockCID          uint32
	VsockUDSPath      string
	Started           bool
	Paused            bool
	SnapshotsCreated  []string
	SnapshotsLoaded   []string

	// FailStart, when set, makes Start return it instead of succeeding —
	// used to exercise VmController's BootFailed path.
	FailStart error
}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) PutMachineConfig(ctx context.Context, vcpu, memMiB int, smt bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MachineConfigured = true
	return nil
}

func (f *FakeClient) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BootSourceSet = true
	return nil
}

func (f *FakeClient) PutDrive(ctx context.Context, driveID, path string, isRoot, isReadOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Drives = append(f.Drives, driveID)
	return nil
}

func (f *FakeClient) PutNetworkInterface(ctx context.Context, ifaceID, hostTap, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NetworkIfaces = append(f.NetworkIfaces, ifaceID)
	return nil
}

func (f *FakeClient) PutVsock(ctx context.Context, cid uint32, udsPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VsockCID = cid
	f.VsockUDSPath = udsPath
	return nil
}

func (f *FakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return f.FailStart
	}
	f.Started = true
	return nil
}

func (f *FakeClient) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = true
	return nil
}

func (f *FakeClient) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Paused = false
	return nil
}

func (f *FakeClient) SnapshotCreate(ctx context.Context, typ SnapshotType, memPath, statePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotsCreated = append(f.SnapshotsCreated, memPath)
	return nil
}

func (f *FakeClient) SnapshotLoad(ctx context.Context, memPath, statePath string, resume bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotsLoaded = append(f.SnapshotsLoaded, memPath)
	if resume {
		f.Started = true
	}
	return nil
}

var _ Client = (*FakeClient)(nil)
