// Package vmctl implements VmController: the per-VM state machine that
// owns one microVM's VMM process, networking, and agent channel from
// boot through deletion.
//
// States: Created → Booting → Running ↔ Paused → Stopped → Deleted,
// plus Failed, which only Boot and RestoreBoot set when their boot
// sequence fails; a failing Pause or Resume leaves the state unchanged.
// The shape — a mutex-guarded state
// field, idempotent stop, and an allocator-release-on-every-error-path
// discipline — is carried over from the teacher's Instance/Manager pair
// in internal/lifecycle/manager.go, adapted from Cloud Hypervisor's
// create/start/pause/stop verbs to Firecracker's configure-then-start
// action API and from TCP/TSI harness registration to vsock/serial
// agent registration.
package vmctl

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hacke-rc/bandsox/internal/agent"
	"github.com/hacke-rc/bandsox/internal/alloc"
	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/eventlog"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/netprovision"
	"github.com/hacke-rc/bandsox/internal/serial"
	"github.com/hacke-rc/bandsox/internal/vmm"
	"github.com/hacke-rc/bandsox/internal/vsock"
)

// ClientFactory builds a vmm.Client bound to a freshly-spawned VMM's API
// socket. Production code points this at vmm.NewHTTPClient; tests point
// it at a constructor that returns vmm.NewFakeClient().
type ClientFactory func(apiSocket string) vmm.Client

// Deps are the collaborators VmController shares with every VM under a
// Manager, injected once at Manager construction.
type Deps struct {
	Config    *config.Config
	Store     *metadata.Store
	CIDAlloc  *alloc.CIDAllocator
	PortAlloc *alloc.PortAllocator
	Net       *netprovision.Provisioner
	NewClient ClientFactory
	// Events is optional; a nil Events disables ledger writes entirely
	// (e.g. in tests that don't care about the event trail).
	Events *eventlog.Logger
}

// logEvent appends to the event ledger if one is configured, logging
// and discarding any failure rather than letting it affect the state
// transition that produced it.
func (c *VmController) logEvent(eventType string, details map[string]any) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.Append(context.Background(), c.desc.VmID, eventType, details); err != nil {
		log.Printf("vmctl: vm %s: event log append failed: %v", c.desc.VmID, err)
	}
}

// VmController drives one VM's descriptor through its lifecycle. All
// public methods are single-writer: VmController is the only component
// that mutates its VmDescriptor, matching the "single-writer" rule for
// VmDescriptor ownership.
type VmController struct {
	deps Deps

	mu       sync.Mutex
	desc     *metadata.VmDescriptor
	client   vmm.Client
	proc     *vmm.Process
	netAlloc *netprovision.Allocation
	listener *vsock.Listener
	session  *agent.AgentSession

	idleTimer *time.Timer
	stopTimer *time.Timer
}

// New wraps an already-persisted Created VmDescriptor.
func New(deps Deps, desc *metadata.VmDescriptor) *VmController {
	return &VmController{deps: deps, desc: desc}
}

// Descriptor returns a copy of the current on-disk-equivalent state.
func (c *VmController) Descriptor() metadata.VmDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.desc
}

func (c *VmController) persist() error {
	c.desc.UpdatedAt = time.Now()
	return c.deps.Store.PutVM(c.desc)
}

func (c *VmController) apiSocketPath() string {
	return filepath.Join(c.deps.Config.SocketsDir, c.desc.VmID+".sock")
}

// vsockUDSPath returns the default-namespace vsock UDS base path,
// vsock_<vm_id>.sock; vsock.BoundPath appends _<port> to it for the
// actual per-port listener socket, matching the "{base}_{port}" naming.
func (c *VmController) vsockUDSPath() string {
	return filepath.Join(c.deps.Config.VsockBase, "vsock_"+c.desc.VmID+".sock")
}

// Boot runs Created → Booting → Running. Not idempotent: re-entering
// from any state but Created fails with StateConflict.
func (c *VmController) Boot(ctx context.Context) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusCreated {
		status := c.desc.Status
		c.mu.Unlock()
		return AlreadyRunningError(status)
	}
	c.desc.Status = metadata.StatusBooting
	c.mu.Unlock()
	if err := c.persist(); err != nil {
		return err
	}

	if err := c.boot(ctx); err != nil {
		c.mu.Lock()
		c.desc.Status = metadata.StatusFailed
		c.mu.Unlock()
		c.persist()
		return err
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusRunning
	c.mu.Unlock()
	c.logEvent("running", nil)
	return c.persist()
}

// boot performs the actual provisioning sequence. Every allocator
// acquisition is paired with a release on the error path before
// returning, per the allocator-release discipline.
func (c *VmController) boot(ctx context.Context) error {
	var netAlloc *netprovision.Allocation
	if c.desc.Network != nil && c.desc.Network.Enabled {
		a, err := c.deps.Net.Provision(c.desc.Network.Mac)
		if err != nil {
			return bsxerr.Wrap(bsxerr.BootFailed, err, "provision network")
		}
		netAlloc = a
		c.desc.Network.TapName = a.TapName
		c.desc.Network.Mac = a.Mac
		c.desc.Network.IP = a.GuestIP
		c.desc.Network.Mask = a.Mask
		c.desc.Network.Gateway = a.HostIP
	}
	releaseNet := func() {
		if netAlloc != nil {
			c.deps.Net.Teardown(netAlloc)
		}
	}

	cid, err := c.deps.CIDAlloc.Acquire()
	if err != nil {
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "acquire vsock cid")
	}
	releaseCID := func() { c.deps.CIDAlloc.Release(cid) }

	port, err := c.deps.PortAlloc.Acquire()
	if err != nil {
		releaseCID()
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "acquire vsock port")
	}
	releasePort := func() { c.deps.PortAlloc.Release(port) }

	udsPath := c.vsockUDSPath()
	c.desc.Vsock = &metadata.VsockConfig{CID: cid, Port: port, UDSPath: udsPath}

	apiSocket := c.apiSocketPath()
	logPath := filepath.Join(c.deps.Config.SocketsDir, c.desc.VmID+".log")
	proc, err := vmm.Spawn(vmm.SpawnOptions{
		BinPath:   c.deps.Config.FirecrackerBin,
		APISocket: apiSocket,
		LogPath:   logPath,
		Console:   true,
	})
	if err != nil {
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}
	killProc := func() {
		proc.Kill(syscall.SIGKILL)
		proc.Wait()
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := vmm.WaitForSocket(waitCtx, apiSocket, c.deps.Config.VmmConnectRetryCap); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}

	client := c.deps.NewClient(apiSocket)
	if err := c.configure(ctx, client, netAlloc); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}

	if err := client.Start(ctx); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "start vmm")
	}

	session := agent.New(agent.Options{
		RegistrationGrace: c.deps.Config.RegistrationGrace,
		OnActivity:        c.resetIdleTimer,
	})
	listener := vsock.NewListener(udsPath, port, session.HandleVsockConn)
	if err := listener.Start(); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}

	c.waitRegisterAndAttach(ctx, session, proc, udsPath)

	c.mu.Lock()
	c.client = client
	c.proc = proc
	c.netAlloc = netAlloc
	c.listener = listener
	c.session = session
	c.desc.VmmPID = proc.Pid()
	c.mu.Unlock()

	c.startIdleTimer()
	return nil
}

// waitRegisterAndAttach waits out the registration grace period and
// attaches whichever transport the guest made available, falling back
// to serial when the exec channel can't be dialed or the guest never
// registered at all. Shared by boot and restoreBoot since both bring a
// VMM up to the point where a session needs a transport.
func (c *VmController) waitRegisterAndAttach(ctx context.Context, session *agent.AgentSession, proc *vmm.Process, udsPath string) {
	regCtx, regCancel := context.WithTimeout(ctx, c.deps.Config.RegistrationGrace+time.Second)
	defer regCancel()
	if session.WaitRegistered(regCtx) {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := vmm.DialGuestPort(dialCtx, udsPath, vmm.GuestControlPort)
		dialCancel()
		if err != nil {
			log.Printf("vmctl: vm %s: guest registered but exec channel dial failed, falling back to serial: %v", c.desc.VmID, err)
			c.attachSerial(session, proc)
		} else {
			session.AttachExecChannel(vsock.NewConn(conn, 0))
		}
	} else {
		log.Printf("vmctl: vm %s: no registration within grace period, falling back to serial", c.desc.VmID)
		c.attachSerial(session, proc)
	}
}

func (c *VmController) attachSerial(session *agent.AgentSession, proc *vmm.Process) {
	console := proc.Console()
	if console == nil {
		log.Printf("vmctl: vm %s: no serial console available for fallback", c.desc.VmID)
		return
	}
	session.AttachSerial(serial.New(console))
}

func (c *VmController) configure(ctx context.Context, client vmm.Client, netAlloc *netprovision.Allocation) error {
	if err := client.PutMachineConfig(ctx, c.desc.VCPU, c.desc.MemMiB, false); err != nil {
		return err
	}
	if err := client.PutBootSource(ctx, c.desc.KernelPath, "console=ttyS0 reboot=k panic=1"); err != nil {
		return err
	}
	if err := client.PutDrive(ctx, "rootfs", c.desc.RootfsPath, true, false); err != nil {
		return err
	}
	if netAlloc != nil {
		if err := client.PutNetworkInterface(ctx, "eth0", netAlloc.TapName, netAlloc.Mac); err != nil {
			return err
		}
	}
	if err := client.PutVsock(ctx, c.desc.Vsock.CID, c.desc.Vsock.UDSPath); err != nil {
		return err
	}
	return nil
}

// Pause transitions Running → Paused.
func (c *VmController) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusRunning {
		status := c.desc.Status
		c.mu.Unlock()
		return bsxerr.Errf(bsxerr.StateConflict, "cannot pause vm in state %s", status)
	}
	client := c.client
	c.mu.Unlock()

	if err := client.Pause(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusPaused
	c.stopIdleTimerLocked()
	c.mu.Unlock()
	c.logEvent("paused", nil)
	return c.persist()
}

// Resume transitions Paused → Running.
func (c *VmController) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusPaused {
		status := c.desc.Status
		c.mu.Unlock()
		return bsxerr.Errf(bsxerr.StateConflict, "cannot resume vm in state %s", status)
	}
	client := c.client
	c.mu.Unlock()

	if err := client.Resume(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusRunning
	c.mu.Unlock()
	c.logEvent("resumed", nil)
	if err := c.persist(); err != nil {
		return err
	}
	c.startIdleTimer()
	return nil
}

// CaptureSnapshot requires a Paused vm, briefly disconnects the vsock
// listener so the VMM's snapshot_create call has the socket to itself,
// asks the VMM to write its memory and state files, then rebinds the
// listener at the same path. It does not change Status; the caller
// (SnapshotEngine) owns writing the SnapshotDescriptor and any
// subsequent Resume.
func (c *VmController) CaptureSnapshot(ctx context.Context, memPath, statePath string) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusPaused {
		status := c.desc.Status
		c.mu.Unlock()
		return bsxerr.Errf(bsxerr.StateConflict, "snapshot requires a paused vm, got %s", status)
	}
	client := c.client
	listener := c.listener
	session := c.session
	udsPath := c.vsockUDSPath()
	var port uint16
	if c.desc.Vsock != nil {
		port = c.desc.Vsock.Port
	}
	c.mu.Unlock()

	if listener != nil {
		listener.Stop()
	}

	if err := client.SnapshotCreate(ctx, vmm.SnapshotFull, memPath, statePath); err != nil {
		return bsxerr.Wrap(bsxerr.VmmError, err, "create vmm snapshot")
	}

	if session != nil && port != 0 {
		newListener := vsock.NewListener(udsPath, port, session.HandleVsockConn)
		if err := newListener.Start(); err != nil {
			return err
		}
		c.mu.Lock()
		c.listener = newListener
		c.mu.Unlock()
	}
	return nil
}

// RestoreBoot brings up a fresh VMM process loaded from a snapshot
// instead of a cold boot image, reusing the same
// allocate-then-release-on-error discipline as Boot. The vsock socket
// binds under VsockIsolationDir rather than VsockBase so a restore can
// run in its own mount namespace without colliding with the source
// VM's still-live socket path. resume selects whether the restored VM
// starts Running or stays Paused.
func (c *VmController) RestoreBoot(ctx context.Context, snap *metadata.SnapshotDescriptor, resume bool) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusCreated {
		status := c.desc.Status
		c.mu.Unlock()
		return AlreadyRunningError(status)
	}
	c.desc.Status = metadata.StatusBooting
	c.mu.Unlock()
	if err := c.persist(); err != nil {
		return err
	}

	if err := c.restoreBoot(ctx, snap, resume); err != nil {
		c.mu.Lock()
		c.desc.Status = metadata.StatusFailed
		c.mu.Unlock()
		c.persist()
		return err
	}

	c.mu.Lock()
	if resume {
		c.desc.Status = metadata.StatusRunning
	} else {
		c.desc.Status = metadata.StatusPaused
	}
	c.mu.Unlock()
	c.logEvent("restored", map[string]any{"snapshot_id": snap.SnapshotID, "resumed": resume})
	return c.persist()
}

func (c *VmController) restoreBoot(ctx context.Context, snap *metadata.SnapshotDescriptor, resume bool) error {
	var netAlloc *netprovision.Allocation
	if snap.NetworkConfig != nil && snap.NetworkConfig.Enabled {
		a, err := c.deps.Net.Provision("")
		if err != nil {
			return bsxerr.Wrap(bsxerr.BootFailed, err, "provision network for restore")
		}
		netAlloc = a
		c.desc.Network = &metadata.NetworkConfig{
			Enabled: true,
			TapName: a.TapName,
			Mac:     a.Mac,
			IP:      a.GuestIP,
			Mask:    a.Mask,
			Gateway: a.HostIP,
		}
	}
	releaseNet := func() {
		if netAlloc != nil {
			c.deps.Net.Teardown(netAlloc)
		}
	}

	cid, err := c.deps.CIDAlloc.Acquire()
	if err != nil {
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "acquire vsock cid for restore")
	}
	releaseCID := func() { c.deps.CIDAlloc.Release(cid) }

	port, err := c.deps.PortAlloc.Acquire()
	if err != nil {
		releaseCID()
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "acquire vsock port for restore")
	}
	releasePort := func() { c.deps.PortAlloc.Release(port) }

	udsPath := filepath.Join(c.deps.Config.VsockIsolationDir, c.desc.VmID)
	os.Remove(vsock.BoundPath(udsPath, port))
	c.desc.Vsock = &metadata.VsockConfig{CID: cid, Port: port, UDSPath: udsPath}

	apiSocket := c.apiSocketPath()
	logPath := filepath.Join(c.deps.Config.SocketsDir, c.desc.VmID+".log")
	proc, err := vmm.Spawn(vmm.SpawnOptions{
		BinPath:    c.deps.Config.FirecrackerBin,
		APISocket:  apiSocket,
		LogPath:    logPath,
		Namespaced: true,
		Console:    true,
	})
	if err != nil {
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}
	killProc := func() {
		proc.Kill(syscall.SIGKILL)
		proc.Wait()
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := vmm.WaitForSocket(waitCtx, apiSocket, c.deps.Config.VmmConnectRetryCap); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}

	client := c.deps.NewClient(apiSocket)
	if err := client.PutVsock(ctx, cid, udsPath); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "rebind vsock for restore")
	}

	if err := client.SnapshotLoad(ctx, snap.MemFilePath, snap.StateFilePath, resume); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return bsxerr.Wrap(bsxerr.BootFailed, err, "load vmm snapshot")
	}

	session := agent.New(agent.Options{
		RegistrationGrace: c.deps.Config.RegistrationGrace,
		OnActivity:        c.resetIdleTimer,
	})
	listener := vsock.NewListener(udsPath, port, session.HandleVsockConn)
	if err := listener.Start(); err != nil {
		killProc()
		releasePort()
		releaseCID()
		releaseNet()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.proc = proc
	c.netAlloc = netAlloc
	c.listener = listener
	c.session = session
	c.desc.VmmPID = proc.Pid()
	c.mu.Unlock()

	if resume {
		c.waitRegisterAndAttach(ctx, session, proc, udsPath)
		c.startIdleTimer()
	}
	return nil
}

// Stop is idempotent: closes the agent session (failing its pending
// waiters and closing its transports; no session_kill is sent to live
// sessions), sends SIGTERM, and escalates to SIGKILL after a 5 s grace
// period.
func (c *VmController) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.desc.Status == metadata.StatusStopped || c.desc.Status == metadata.StatusDeleted {
		c.mu.Unlock()
		return nil
	}
	wasPaused := c.desc.Status == metadata.StatusPaused
	client := c.client
	proc := c.proc
	session := c.session
	listener := c.listener
	netAlloc := c.netAlloc
	c.stopIdleTimerLocked()
	c.mu.Unlock()

	if wasPaused && client != nil {
		// Resume before stopping so the process can exit cleanly rather
		// than being killed while frozen mid-instruction.
		client.Resume(ctx)
	}

	if session != nil {
		session.Close()
	}
	if listener != nil {
		listener.Stop()
	}

	if proc != nil {
		proc.Kill(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			proc.Kill(syscall.SIGKILL)
			<-done
		}
	}

	if netAlloc != nil {
		c.deps.Net.Teardown(netAlloc)
	}
	if c.desc.Vsock != nil {
		c.deps.PortAlloc.Release(c.desc.Vsock.Port)
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusStopped
	c.desc.VmmPID = 0
	c.mu.Unlock()
	c.logEvent("stopped", nil)
	return c.persist()
}

// Delete tears down remaining state: rootfs, vsock socket files, and
// the allocated CID. Only succeeds from Stopped or Failed.
func (c *VmController) Delete(ctx context.Context) error {
	c.mu.Lock()
	if c.desc.Status != metadata.StatusStopped && c.desc.Status != metadata.StatusFailed {
		status := c.desc.Status
		c.mu.Unlock()
		return bsxerr.Errf(bsxerr.StateConflict, "delete refuses vm in state %s", status)
	}
	vsockCfg := c.desc.Vsock
	rootfsPath := c.desc.RootfsPath
	c.mu.Unlock()

	if vsockCfg != nil {
		c.deps.CIDAlloc.Release(vsockCfg.CID)
		// A VM reconciled to Stopped on daemon restart never had a live
		// listener to stop this socket, so remove it defensively here
		// too; Stop's listener.Stop() removal on the normal path is a
		// no-op second unlink.
		os.Remove(vsock.BoundPath(vsockCfg.UDSPath, vsockCfg.Port))
	}
	os.Remove(c.apiSocketPath())
	os.Remove(filepath.Join(c.deps.Config.SocketsDir, c.desc.VmID+".log"))
	if rootfsPath != "" {
		os.Remove(rootfsPath)
	}

	if err := c.deps.Store.DeleteVM(c.desc.VmID); err != nil {
		return err
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusDeleted
	c.mu.Unlock()
	c.logEvent("deleted", nil)
	return nil
}

// Session returns the live AgentSession, or nil if the VM isn't
// Running/Paused.
func (c *VmController) Session() *agent.AgentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Reconcile checks whether the recorded vmm_pid is still alive, and
// downgrades to Stopped if not — used at Manager startup to recover
// from an unclean daemon exit.
func (c *VmController) Reconcile() error {
	c.mu.Lock()
	status := c.desc.Status
	pid := c.desc.VmmPID
	c.mu.Unlock()

	if status != metadata.StatusRunning && status != metadata.StatusPaused {
		return nil
	}
	if pid != 0 && syscall.Kill(pid, 0) == nil {
		return nil
	}

	log.Printf("vmctl: vm %s: recorded vmm_pid %d not alive, reconciling to Stopped", c.desc.VmID, pid)
	c.logEvent("reconciled_stopped", map[string]any{"prior_pid": pid})
	if vc := c.desc.Vsock; vc != nil {
		c.deps.PortAlloc.Release(vc.Port)
		c.deps.CIDAlloc.Release(vc.CID)
	}
	if c.desc.Network != nil && c.desc.Network.Enabled {
		c.deps.Net.Teardown(&netprovision.Allocation{
			TapName: c.desc.Network.TapName,
			HostIP:  c.desc.Network.Gateway,
			GuestIP: c.desc.Network.IP,
			Mask:    c.desc.Network.Mask,
			Mac:     c.desc.Network.Mac,
		})
	}

	c.mu.Lock()
	c.desc.Status = metadata.StatusStopped
	c.desc.VmmPID = 0
	c.mu.Unlock()
	return c.persist()
}

// resetIdleTimer is called by AgentSession.Options.OnActivity on every
// observed guest message.
func (c *VmController) resetIdleTimer() {
	c.mu.Lock()
	status := c.desc.Status
	c.mu.Unlock()
	if status == metadata.StatusRunning {
		c.startIdleTimer()
	}
}

// startIdleTimer arms the two-stage idle policy: after PauseAfterIdle
// of inactivity the VM is paused; after a further StopAfterIdle spent
// paused, it's stopped. This mirrors the teacher's idle-timer/
// terminate-timer pair, since the state diagram names the Running ↔
// Paused transition without saying what triggers it.
func (c *VmController) startIdleTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.idleTimer = time.AfterFunc(c.deps.Config.PauseAfterIdle, c.onIdlePause)
}

func (c *VmController) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}

func (c *VmController) onIdlePause() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Pause(ctx); err != nil {
		log.Printf("vmctl: vm %s: idle pause failed: %v", c.desc.VmID, err)
		return
	}
	c.mu.Lock()
	c.stopTimer = time.AfterFunc(c.deps.Config.StopAfterIdle, c.onIdleStop)
	c.mu.Unlock()
}

func (c *VmController) onIdleStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		log.Printf("vmctl: vm %s: idle stop failed: %v", c.desc.VmID, err)
	}
}

// AlreadyRunningError is returned by Boot when re-entered from a
// non-Created state; kept as a named helper so Manager can match on it
// without string-comparing bsxerr.Error.Message.
func AlreadyRunningError(status metadata.Status) error {
	return bsxerr.Errf(bsxerr.StateConflict, "vm already in state %s", status).WithDetails("status", string(status))
}
