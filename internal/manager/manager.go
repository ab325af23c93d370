// Package manager implements Manager: the top-level coordinator for
// create/delete/list/snapshot/restore across every VM on the host, plus
// the crash-recovery reconciliation that runs at daemon startup.
//
// Manager owns no VM state directly — each VmDescriptor is
// single-writer through its own VmController — but it is the only
// component that knows about every VM at once, which is why creation,
// enumeration, and the snapshot/restore orchestration that spans two
// VMs (source and restored) live here rather than in VmController.
package manager

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/imagebuild"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/snapshot"
	"github.com/hacke-rc/bandsox/internal/vmctl"
)

// CreateOptions describes a new VM's resource shape and boot images.
// RootfsPath or ImageRef must resolve a root filesystem: RootfsPath
// points directly at a prebuilt ext4 file, while ImageRef names an OCI
// image for the configured ImageBuilder to pull and pack into one. When
// both are set, RootfsPath is used and ImageRef is ignored.
type CreateOptions struct {
	Name          string
	RootfsPath    string
	ImageRef      string
	KernelPath    string
	VCPU          int
	MemMiB        int
	DiskSizeMiB   int
	NetworkEnable bool
	Boot          bool // if true, Create also runs VmController.Boot before returning
}

// Manager coordinates every VmController on the host.
type Manager struct {
	deps    vmctl.Deps
	snapEng *snapshot.Engine
	// images is optional; a nil images rejects CreateOptions.ImageRef
	// rather than attempting a build.
	images *imagebuild.Builder

	mu          sync.Mutex
	controllers map[string]*vmctl.VmController
}

// New returns a Manager with no VMs loaded; call Reconcile to populate
// it from MetadataStore at daemon startup. images may be nil if the
// caller only ever supplies CreateOptions.RootfsPath directly.
func New(deps vmctl.Deps, snapEng *snapshot.Engine, images *imagebuild.Builder) *Manager {
	return &Manager{
		deps:        deps,
		snapEng:     snapEng,
		images:      images,
		controllers: make(map[string]*vmctl.VmController),
	}
}

// Reconcile loads every persisted VmDescriptor, builds its
// VmController, and downgrades any Running/Paused VM whose vmm_pid is
// no longer alive to Stopped — the startup half of the "every VM with
// status ∈ {Running, Paused} has a live VMM process" invariant.
func (m *Manager) Reconcile() error {
	descs, err := m.deps.Store.ListVMs()
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "list vms for reconciliation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, desc := range descs {
		if desc.Status == metadata.StatusDeleted {
			continue
		}
		ctrl := vmctl.New(m.deps, desc)
		if err := ctrl.Reconcile(); err != nil {
			log.Printf("manager: reconcile vm %s: %v", desc.VmID, err)
		}
		m.controllers[desc.VmID] = ctrl
	}
	return nil
}

// Create persists a new Created VmDescriptor, registers its
// VmController, and optionally boots it.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*metadata.VmDescriptor, error) {
	if opts.RootfsPath == "" && opts.ImageRef != "" {
		if m.images == nil {
			return nil, bsxerr.New(bsxerr.InvalidArgument, "image_ref given but no image builder is configured")
		}
		built, err := m.images.Build(ctx, opts.ImageRef, opts.DiskSizeMiB)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "build rootfs from image_ref "+opts.ImageRef)
		}
		opts.RootfsPath = built.RootfsPath
	}
	if opts.RootfsPath == "" || opts.KernelPath == "" {
		return nil, bsxerr.New(bsxerr.InvalidArgument, "rootfs_path (or image_ref) and kernel_path are required")
	}
	if opts.VCPU <= 0 {
		opts.VCPU = 1
	}
	if opts.MemMiB <= 0 {
		opts.MemMiB = 128
	}

	if opts.Name != "" {
		if existing, _ := m.findByName(opts.Name); existing != nil {
			return nil, bsxerr.Errf(bsxerr.InvalidArgument, "name %q already in use by vm %s", opts.Name, existing.VmID)
		}
	}

	desc := &metadata.VmDescriptor{
		VmID:        uuid.NewString(),
		Name:        opts.Name,
		RootfsPath:  opts.RootfsPath,
		KernelPath:  opts.KernelPath,
		VCPU:        opts.VCPU,
		MemMiB:      opts.MemMiB,
		DiskSizeMiB: opts.DiskSizeMiB,
		Status:      metadata.StatusCreated,
	}
	if opts.NetworkEnable {
		desc.Network = &metadata.NetworkConfig{Enabled: true}
	}

	if err := m.deps.Store.PutVM(desc); err != nil {
		return nil, err
	}

	ctrl := vmctl.New(m.deps, desc)
	m.mu.Lock()
	m.controllers[desc.VmID] = ctrl
	m.mu.Unlock()

	if opts.Boot {
		if err := ctrl.Boot(ctx); err != nil {
			result := ctrl.Descriptor()
			return &result, err
		}
	}
	result := ctrl.Descriptor()
	return &result, nil
}

// Get returns the VmController for vmID, or NotFound.
func (m *Manager) Get(vmID string) (*vmctl.VmController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.controllers[vmID]
	if !ok {
		return nil, bsxerr.Errf(bsxerr.NotFound, "vm %s not found", vmID)
	}
	return ctrl, nil
}

// List returns every known VM's descriptor, in no defined order (the
// controllers are kept in a map).
func (m *Manager) List() []metadata.VmDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metadata.VmDescriptor, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		out = append(out, ctrl.Descriptor())
	}
	return out
}

func (m *Manager) findByName(name string) (*metadata.VmDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ctrl := range m.controllers {
		d := ctrl.Descriptor()
		if d.Name == name && d.Status != metadata.StatusDeleted {
			return &d, nil
		}
	}
	return nil, nil
}

// Delete stops (if necessary) and deletes vmID.
func (m *Manager) Delete(ctx context.Context, vmID string) error {
	ctrl, err := m.Get(vmID)
	if err != nil {
		return err
	}
	if err := ctrl.Stop(ctx); err != nil {
		return err
	}
	if err := ctrl.Delete(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.controllers, vmID)
	m.mu.Unlock()
	return nil
}

// Snapshot snapshots vmID via SnapshotEngine, returning the new
// descriptor. It does not pause the VM: the caller must have paused it
// already, and SnapshotEngine rejects a VM that is not Paused.
func (m *Manager) Snapshot(ctx context.Context, vmID, name string) (*metadata.SnapshotDescriptor, error) {
	ctrl, err := m.Get(vmID)
	if err != nil {
		return nil, err
	}
	return m.snapEng.Create(ctx, ctrl, name)
}

// Restore creates a new VM from a snapshot and registers its
// VmController.
func (m *Manager) Restore(ctx context.Context, snapshotID string) (*metadata.VmDescriptor, error) {
	desc, ctrl, err := m.snapEng.Restore(ctx, m.deps, snapshotID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.controllers[desc.VmID] = ctrl
	m.mu.Unlock()
	return desc, nil
}

// DeleteSnapshot removes a snapshot's files without touching any VM
// restored from it.
func (m *Manager) DeleteSnapshot(snapshotID string) error {
	return m.snapEng.Delete(snapshotID)
}

// Shutdown stops every known VM, used on daemon exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		ctrl, err := m.Get(id)
		if err != nil {
			continue
		}
		if err := ctrl.Stop(ctx); err != nil {
			log.Printf("manager: shutdown stop vm %s: %v", id, err)
		}
	}
}
