// Package metadata implements MetadataStore: flat, per-descriptor JSON
// files for VM and snapshot state. Reads are
// lockless; writes use write-to-temp + atomic rename with a per-file
// advisory lock held for the entire update.
package metadata

import "time"

// Status is a VmDescriptor's lifecycle state, mirroring VmController's
// state machine.
type Status string

const (
	StatusCreated Status = "Created"
	StatusBooting Status = "Booting"
	StatusRunning Status = "Running"
	StatusPaused  Status = "Paused"
	StatusStopped Status = "Stopped"
	StatusFailed  Status = "Failed"
	StatusDeleted Status = "Deleted"
)

// NetworkConfig describes a VM's tap/NAT assignment, or is entirely zero
// when networking is disabled.
type NetworkConfig struct {
	Enabled bool   `json:"enabled"`
	TapName string `json:"tap_name,omitempty"`
	Mac     string `json:"mac,omitempty"`
	IP      string `json:"ip,omitempty"`
	Mask    string `json:"mask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
}

// VsockConfig records the vsock CID/port/UDS path assigned to a VM, so a
// snapshot can capture it verbatim.
type VsockConfig struct {
	CID     uint32 `json:"cid"`
	Port    uint16 `json:"port"`
	UDSPath string `json:"uds_path"`
}

// VmDescriptor is the on-disk record for one VM.
type VmDescriptor struct {
	VmID    string `json:"vm_id"`
	Name    string `json:"name,omitempty"`

	RootfsPath string `json:"rootfs_path"`
	KernelPath string `json:"kernel_path"`

	VCPU        int `json:"vcpu"`
	MemMiB      int `json:"mem_mib"`
	DiskSizeMiB int `json:"disk_size_mib"`

	Network *NetworkConfig `json:"network,omitempty"`
	Vsock   *VsockConfig   `json:"vsock,omitempty"`

	Status Status `json:"status"`
	VmmPID int    `json:"vmm_pid,omitempty"`

	SourceSnapshotID string `json:"source_snapshot_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceShape is the immutable-after-create resource assignment
// captured in a SnapshotDescriptor.
type ResourceShape struct {
	VCPU        int `json:"vcpu"`
	MemMiB      int `json:"mem_mib"`
	DiskSizeMiB int `json:"disk_size_mib"`
}

// SnapshotDescriptor is the on-disk record for one snapshot.
// It is immutable once written: restoring it must never mutate any of
// these fields.
type SnapshotDescriptor struct {
	SnapshotID string `json:"snapshot_id"`
	Name       string `json:"name,omitempty"`
	SourceVmID string `json:"source_vm_id"`

	MemFilePath     string `json:"mem_file_path"`
	StateFilePath   string `json:"state_file_path"`
	RootfsCopyPath  string `json:"rootfs_copy_path"`
	KernelPath      string `json:"kernel_path"`

	VsockConfig   *VsockConfig   `json:"vsock_config,omitempty"`
	NetworkConfig *NetworkConfig `json:"network_config,omitempty"`
	Resources     ResourceShape  `json:"resources"`

	CreatedAt time.Time `json:"created_at"`
}
