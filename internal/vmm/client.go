// Package vmm implements VmmClient: a typed client for Firecracker's
// HTTP-over-UDS action API. It is deliberately small — only
// the verbs VmController needs to configure, start, pause/resume, and
// snapshot a microVM.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// SnapshotType selects a full or differential Firecracker snapshot.
type SnapshotType string

const (
	SnapshotFull SnapshotType = "Full"
	SnapshotDiff SnapshotType = "Diff"
)

// Client is the narrow RPC surface VmController drives. A single
// implementation (HTTPClient) talks to the real firecracker binary; the
// interface exists so VmController can be exercised against a fake in
// tests without a kernel or KVM.
type Client interface {
	PutMachineConfig(ctx context.Context, vcpu, memMiB int, smt bool) error
	PutBootSource(ctx context.Context, kernelPath, bootArgs string) error
	PutDrive(ctx context.Context, driveID, path string, isRoot, isReadOnly bool) error
	PutNetworkInterface(ctx context.Context, ifaceID, hostTap, mac string) error
	PutVsock(ctx context.Context, cid uint32, udsPath string) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SnapshotCreate(ctx context.Context, typ SnapshotType, memPath, statePath string) error
	SnapshotLoad(ctx context.Context, memPath, statePath string, resume bool) error
}

// HTTPClient drives the firecracker API socket over a Unix domain
// socket, mirroring the dial-unix-then-speak-REST idiom used throughout
// the control plane's HTTP clients.
type HTTPClient struct {
	http       *http.Client
	socketPath string
}

// NewHTTPClient returns a Client bound to the firecracker API socket at
// socketPath. It does not dial until the first request.
func NewHTTPClient(socketPath string) *HTTPClient {
	return &HTTPClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		socketPath: socketPath,
	}
}

// WaitForSocket polls for the API socket to appear and accept
// connections, retrying every failed dial (socket missing or connection
// refused) with a backoff that doubles from 25 ms up to cap, until ctx
// ends.
func WaitForSocket(ctx context.Context, socketPath string, cap time.Duration) error {
	backoff := 25 * time.Millisecond
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return bsxerr.Wrap(bsxerr.BootFailed, ctx.Err(), "timed out waiting for vmm api socket")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cap {
			backoff = cap
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return bsxerr.Wrap(bsxerr.Internal, err, "marshal vmm request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://vmm"+path, reader)
	if err != nil {
		return bsxerr.Wrap(bsxerr.Internal, err, "build vmm request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bsxerr.Wrap(bsxerr.VmmError, err, fmt.Sprintf("vmm request %s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return bsxerr.Errf(bsxerr.VmmError, "vmm %s %s: status %d", method, path, resp.StatusCode).
			WithDetails("status", resp.StatusCode, "body", string(respBody))
	}
	return nil
}

type machineConfigReq struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

func (c *HTTPClient) PutMachineConfig(ctx context.Context, vcpu, memMiB int, smt bool) error {
	return c.do(ctx, http.MethodPut, "/machine-config", machineConfigReq{
		VCPUCount:  vcpu,
		MemSizeMiB: memMiB,
		SMT:        smt,
	})
}

type bootSourceReq struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

func (c *HTTPClient) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.do(ctx, http.MethodPut, "/boot-source", bootSourceReq{
		KernelImagePath: kernelPath,
		BootArgs:        bootArgs,
	})
}

type driveReq struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

func (c *HTTPClient) PutDrive(ctx context.Context, driveID, path string, isRoot, isReadOnly bool) error {
	return c.do(ctx, http.MethodPut, "/drives/"+driveID, driveReq{
		DriveID:      driveID,
		PathOnHost:   path,
		IsRootDevice: isRoot,
		IsReadOnly:   isReadOnly,
	})
}

type networkInterfaceReq struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMac    string `json:"guest_mac,omitempty"`
}

func (c *HTTPClient) PutNetworkInterface(ctx context.Context, ifaceID, hostTap, mac string) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/"+ifaceID, networkInterfaceReq{
		IfaceID:     ifaceID,
		HostDevName: hostTap,
		GuestMac:    mac,
	})
}

type vsockReq struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UdsPath  string `json:"uds_path"`
}

func (c *HTTPClient) PutVsock(ctx context.Context, cid uint32, udsPath string) error {
	return c.do(ctx, http.MethodPut, "/vsock", vsockReq{
		VsockID:  "bandsox-vsock",
		GuestCID: cid,
		UdsPath:  udsPath,
	})
}

type actionReq struct {
	ActionType string `json:"action_type"`
}

func (c *HTTPClient) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", actionReq{ActionType: "InstanceStart"})
}

type vmStateReq struct {
	State string `json:"state"`
}

func (c *HTTPClient) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmStateReq{State: "Paused"})
}

func (c *HTTPClient) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmStateReq{State: "Resumed"})
}

type snapshotCreateReq struct {
	SnapshotType     string `json:"snapshot_type"`
	MemFilePath      string `json:"mem_file_path"`
	SnapshotPath     string `json:"snapshot_path"`
}

func (c *HTTPClient) SnapshotCreate(ctx context.Context, typ SnapshotType, memPath, statePath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/create", snapshotCreateReq{
		SnapshotType: string(typ),
		MemFilePath:  memPath,
		SnapshotPath: statePath,
	})
}

type snapshotLoadReq struct {
	MemFilePath      string `json:"mem_file_path"`
	SnapshotPath     string `json:"snapshot_path"`
	ResumeVM         bool   `json:"resume_vm"`
}

func (c *HTTPClient) SnapshotLoad(ctx context.Context, memPath, statePath string, resume bool) error {
	return c.do(ctx, http.MethodPut, "/snapshot/load", snapshotLoadReq{
		MemFilePath:  memPath,
		SnapshotPath: statePath,
		ResumeVM:     resume,
	})
}
