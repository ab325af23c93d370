// Package config holds Bandsox's runtime configuration: the storage root
// layout, resource defaults, idle timers, and binary discovery, all
// overridable via BANDSOX_* environment variables.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds bandsoxd runtime configuration.
type Config struct {
	// StorageRoot is the base directory for all persistent state
	// (BANDSOX_STORAGE, default /var/lib/bandsox).
	StorageRoot string

	// BinDir is the directory searched for sibling binaries.
	BinDir string

	// ImagesDir holds per-VM/per-image ext4 rootfs files.
	ImagesDir string
	// SnapshotsDir holds one subdirectory per snapshot.
	SnapshotsDir string
	// SocketsDir holds per-VM VMM API sockets.
	SocketsDir string
	// MetadataDir holds per-VM VmDescriptor JSON files.
	MetadataDir string
	// EventsDir holds the per-VM event ledger database.
	EventsDir string

	// CIDAllocatorPath is the CID pool state file.
	CIDAllocatorPath string
	// PortAllocatorPath is the port pool state file.
	PortAllocatorPath string

	// VsockBase is the default-namespace vsock UDS base directory
	// (BANDSOX_VSOCK_BASE, default /tmp/bandsox).
	VsockBase string
	// VsockIsolationDir is the root for per-restore mount-namespace
	// isolated vsock directories (BANDSOX_VSOCK_ISOLATION_DIR, default
	// /tmp/bsx).
	VsockIsolationDir string

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int
	// DefaultVCPUs is the default vCPU count.
	DefaultVCPUs int

	// KernelPath is the path to the vmlinux kernel image.
	KernelPath string
	// FirecrackerBin is the path to the firecracker binary. Empty means
	// search PATH.
	FirecrackerBin string

	// PauseAfterIdle is the duration after which an idle running VM is
	// paused.
	PauseAfterIdle time.Duration
	// StopAfterIdle is the duration after which a paused VM is stopped.
	StopAfterIdle time.Duration

	// RegistrationGrace is how long VmController waits for the guest
	// agent's `register` message before falling back to serial.
	RegistrationGrace time.Duration
	// VmmConnectRetryCap bounds the backoff when retrying connection
	// refused against the VMM API socket during boot.
	VmmConnectRetryCap time.Duration
}

// FromEnv builds the default configuration, honoring BANDSOX_* overrides.
func FromEnv() *Config {
	root := getenv("BANDSOX_STORAGE", "/var/lib/bandsox")
	vsockBase := getenv("BANDSOX_VSOCK_BASE", "/tmp/bandsox")
	vsockIso := getenv("BANDSOX_VSOCK_ISOLATION_DIR", "/tmp/bsx")

	return &Config{
		StorageRoot:        root,
		BinDir:             executableDir(),
		ImagesDir:          filepath.Join(root, "images"),
		SnapshotsDir:       filepath.Join(root, "snapshots"),
		SocketsDir:         filepath.Join(root, "sockets"),
		MetadataDir:        filepath.Join(root, "metadata"),
		EventsDir:          filepath.Join(root, "events"),
		CIDAllocatorPath:   filepath.Join(root, "cid_allocator.json"),
		PortAllocatorPath:  filepath.Join(root, "port_allocator.json"),
		VsockBase:          vsockBase,
		VsockIsolationDir:  vsockIso,
		DefaultMemoryMB:    getenvInt("BANDSOX_DEFAULT_MEM_MB", 128),
		DefaultVCPUs:       getenvInt("BANDSOX_DEFAULT_VCPU", 1),
		KernelPath:         getenv("BANDSOX_KERNEL_PATH", "/usr/share/bandsox/vmlinux"),
		FirecrackerBin:     os.Getenv("BANDSOX_FIRECRACKER_BIN"),
		PauseAfterIdle:     getenvDuration("BANDSOX_PAUSE_AFTER_IDLE", 60*time.Second),
		StopAfterIdle:      getenvDuration("BANDSOX_STOP_AFTER_IDLE", 5*time.Minute),
		RegistrationGrace:  getenvDuration("BANDSOX_REGISTRATION_GRACE", 5*time.Second),
		VmmConnectRetryCap: getenvDuration("BANDSOX_VMM_RETRY_CAP", 2*time.Second),
	}
}

// EnsureDirs creates every directory the control plane writes under.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StorageRoot,
		c.ImagesDir,
		c.SnapshotsDir,
		c.SocketsDir,
		c.MetadataDir,
		c.EventsDir,
		c.VsockBase,
		c.VsockIsolationDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveFirecrackerBin eagerly resolves FirecrackerBin if empty.
func (c *Config) ResolveFirecrackerBin() {
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = FindBinary("firecracker", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (binDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/lib/bandsox", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
