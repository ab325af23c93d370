package vmm

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// Process is a running firecracker child process.
type Process struct {
	cmd     *exec.Cmd
	console *consolePipe
}

// Pid returns the process id of the running VMM.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the process is still running, by sending
// signal 0 — the same liveness check reconciliation uses for every
// vmm_pid recorded in a VmDescriptor.
func (p *Process) Alive() bool {
	if p.cmd.Process == nil {
		return false
	}
	return syscall.Kill(p.cmd.Process.Pid, 0) == nil
}

// Kill sends sig to the process. The SIGTERM-then-SIGKILL escalation
// and its grace period live in VmController, not this type.
func (p *Process) Kill(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// SpawnOptions configures how the firecracker child is launched.
type SpawnOptions struct {
	BinPath    string
	APISocket  string
	LogPath    string
	Namespaced bool // run with its own mount namespace (snapshot restore isolation)
	Console    bool // wire stdin/stdout as the guest serial console (fallback transport)
}

// consolePipe adapts a child process's stdin/stdout pipes to
// io.ReadWriteCloser, so SerialBridge can drive the guest's ttyS0
// console the same way it would drive any other byte stream.
type consolePipe struct {
	in  io.WriteCloser
	out io.ReadCloser
}

func (c *consolePipe) Read(p []byte) (int, error)  { return c.out.Read(p) }
func (c *consolePipe) Write(p []byte) (int, error) { return c.in.Write(p) }
func (c *consolePipe) Close() error {
	c.in.Close()
	return c.out.Close()
}

// Console returns the serial console stream if Spawn was called with
// Console: true, else nil.
func (p *Process) Console() io.ReadWriteCloser {
	if p.console == nil {
		return nil
	}
	return p.console
}

// Spawn starts a firecracker process bound to apiSocket, redirecting its
// stderr to a log file the same way the daemon's sidecar manager
// redirects its own child processes. Boot args must set console=ttyS0
// for Console mode to carry the guest's serial agent traffic.
func Spawn(opts SpawnOptions) (*Process, error) {
	logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "open vmm log file")
	}

	cmd := exec.Command(opts.BinPath, "--api-sock", opts.APISocket)
	cmd.Stderr = logFile
	if opts.Namespaced {
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWNS}
	}

	proc := &Process{cmd: cmd}
	if opts.Console {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			logFile.Close()
			return nil, bsxerr.Wrap(bsxerr.BootFailed, err, "open vmm stdin pipe")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			logFile.Close()
			return nil, bsxerr.Wrap(bsxerr.BootFailed, err, "open vmm stdout pipe")
		}
		proc.console = &consolePipe{in: stdin, out: stdout}
	} else {
		cmd.Stdout = logFile
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, bsxerr.Wrap(bsxerr.BootFailed, err, "spawn firecracker")
	}
	return proc, nil
}
