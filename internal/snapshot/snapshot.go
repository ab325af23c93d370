// Package snapshot implements SnapshotEngine: Create captures a Paused
// VM's memory and device state to disk alongside a copy of its rootfs;
// Restore launches a brand-new VM from those files. Both sequences are
// grounded on VmController's own boot discipline (CaptureSnapshot and
// RestoreBoot do the VMM-facing half; Engine does the file/descriptor
// bookkeeping a VmController has no business knowing about).
package snapshot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/vmctl"
)

// Engine is the SnapshotEngine.
type Engine struct {
	cfg   *config.Config
	store *metadata.Store
}

// New returns a SnapshotEngine rooted at cfg.SnapshotsDir.
func New(cfg *config.Config, store *metadata.Store) *Engine {
	return &Engine{cfg: cfg, store: store}
}

// Create snapshots ctrl's VM, which must already be Paused (pausing is
// the caller's job — Manager.Snapshot does not auto-pause, since an
// API caller might want to keep serving requests on an already-paused
// VM across multiple snapshots).
func (e *Engine) Create(ctx context.Context, ctrl *vmctl.VmController, name string) (*metadata.SnapshotDescriptor, error) {
	desc := ctrl.Descriptor()
	if desc.Status != metadata.StatusPaused {
		return nil, bsxerr.Errf(bsxerr.StateConflict, "snapshot requires vm %s to be paused, got %s", desc.VmID, desc.Status)
	}

	snapID := uuid.NewString()
	dir := filepath.Join(e.cfg.SnapshotsDir, snapID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create snapshot directory")
	}

	memPath := filepath.Join(dir, "memory.bin")
	statePath := filepath.Join(dir, "state.bin")
	if err := ctrl.CaptureSnapshot(ctx, memPath, statePath); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	rootfsCopyPath := filepath.Join(dir, "rootfs.ext4")
	if err := copyFile(desc.RootfsPath, rootfsCopyPath); err != nil {
		os.RemoveAll(dir)
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "copy rootfs into snapshot")
	}

	snap := &metadata.SnapshotDescriptor{
		SnapshotID:     snapID,
		Name:           name,
		SourceVmID:     desc.VmID,
		MemFilePath:    memPath,
		StateFilePath:  statePath,
		RootfsCopyPath: rootfsCopyPath,
		KernelPath:     desc.KernelPath,
		VsockConfig:    desc.Vsock,
		NetworkConfig:  desc.Network,
		Resources: metadata.ResourceShape{
			VCPU:        desc.VCPU,
			MemMiB:      desc.MemMiB,
			DiskSizeMiB: desc.DiskSizeMiB,
		},
		CreatedAt: time.Now(),
	}
	if err := e.store.PutSnapshot(snap); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return snap, nil
}

// Restore builds a new VM descriptor and VmController from a snapshot
// and launches it via VmController.RestoreBoot, with resume=false
// (Paused) so the caller can inspect/resume explicitly — the spec's
// "optional resume" step.
func (e *Engine) Restore(ctx context.Context, deps vmctl.Deps, snapshotID string) (*metadata.VmDescriptor, *vmctl.VmController, error) {
	snap, err := e.store.GetSnapshot(snapshotID)
	if err != nil {
		return nil, nil, err
	}

	vmID := uuid.NewString()
	rootfsCopyPath := filepath.Join(e.cfg.ImagesDir, vmID+".ext4")
	if err := copyFile(snap.RootfsCopyPath, rootfsCopyPath); err != nil {
		return nil, nil, bsxerr.Wrap(bsxerr.IoError, err, "copy snapshot rootfs for restore")
	}

	desc := &metadata.VmDescriptor{
		VmID:             vmID,
		RootfsPath:       rootfsCopyPath,
		KernelPath:       snap.KernelPath,
		VCPU:             snap.Resources.VCPU,
		MemMiB:           snap.Resources.MemMiB,
		DiskSizeMiB:      snap.Resources.DiskSizeMiB,
		Network:          snap.NetworkConfig,
		Status:           metadata.StatusCreated,
		SourceSnapshotID: snap.SnapshotID,
	}
	if err := deps.Store.PutVM(desc); err != nil {
		os.Remove(rootfsCopyPath)
		return nil, nil, err
	}

	ctrl := vmctl.New(deps, desc)
	if err := ctrl.RestoreBoot(ctx, snap, false); err != nil {
		return nil, nil, err
	}
	return desc, ctrl, nil
}

// Delete removes a snapshot's files. Restored VMs keep their own
// independent rootfs copy and descriptor, so deleting a snapshot never
// affects any VM restored from it.
func (e *Engine) Delete(snapshotID string) error {
	return e.store.DeleteSnapshot(snapshotID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
