// Package netprovision implements the NetworkProvisioner collaborator:
// TAP device creation and NAT setup before a VM boots, and teardown on
// delete. The core treats it as an external interface;
// this is the concrete default, adapted from the tap/iptables helpers
// the example pack's Cloud Hypervisor backend uses for the same job
// (the non-goal "rootless operation" is explicitly out of scope, so a
// privileged tap+iptables data plane is the correct default rather than
// a userspace networking stack).
package netprovision

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// Allocation describes one VM's network assignment.
type Allocation struct {
	TapName string
	HostIP  string // host-side tap address, e.g. 172.16.0.1
	GuestIP string // guest address, e.g. 172.16.0.2
	Mask    string // "255.255.255.252" (/30)
	Mac     string
}

// Provisioner creates and tears down tap+NAT networking for VMs. It
// holds only a monotonic subnet counter; all OS state lives in the
// kernel's interface table and iptables rule set, not in this struct.
type Provisioner struct {
	subnetCounter uint32
	namePrefix    string
}

// New returns a Provisioner whose tap devices are named
// "<namePrefix><n>" (default "bsx").
func New(namePrefix string) *Provisioner {
	if namePrefix == "" {
		namePrefix = "bsx"
	}
	return &Provisioner{namePrefix: namePrefix}
}

// Provision allocates a /30 subnet, creates a tap device, brings it up,
// and installs NAT/forwarding rules for guest egress. Call before
// booting the VM.
func (p *Provisioner) Provision(mac string) (*Allocation, error) {
	if err := enableIPForward(); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "enable ip forwarding")
	}

	idx := atomic.AddUint32(&p.subnetCounter, 1) - 1
	thirdOctet := idx / 64
	fourthBase := (idx % 64) * 4
	hostIP := fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+1)
	guestIP := fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+2)
	tapName := fmt.Sprintf("%s%d", p.namePrefix, idx)

	if err := createTap(tapName, hostIP); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create tap device")
	}
	if err := setupNAT(tapName, guestIP); err != nil {
		destroyTap(tapName)
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "setup nat")
	}

	return &Allocation{
		TapName: tapName,
		HostIP:  hostIP,
		GuestIP: guestIP,
		Mask:    "255.255.255.252",
		Mac:     mac,
	}, nil
}

// Teardown removes NAT rules and the tap device. Best-effort, matching
// the delete path's "log recoverable leaks rather than fail" policy.
func (p *Provisioner) Teardown(a *Allocation) {
	if a == nil {
		return
	}
	removeNAT(a.TapName, a.GuestIP)
	destroyTap(a.TapName)
}

// CleanupOrphaned scans host interfaces for tap devices left behind by
// a prior crashed daemon and removes them and their NAT rules.
func (p *Provisioner) CleanupOrphaned() {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, p.namePrefix) {
			continue
		}
		var idx uint32
		fmt.Sscanf(iface.Name, p.namePrefix+"%d", &idx)
		thirdOctet := idx / 64
		fourthBase := (idx % 64) * 4
		guestIP := fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+2)
		removeNAT(iface.Name, guestIP)
		destroyTap(iface.Name)
	}
}

func enableIPForward() error {
	return os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644)
}

func createTap(name, hostIP string) error {
	if err := runCmd("ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return fmt.Errorf("ip tuntap add: %w", err)
	}
	if err := runCmd("ip", "addr", "add", hostIP+"/30", "dev", name); err != nil {
		destroyTap(name)
		return fmt.Errorf("ip addr add: %w", err)
	}
	if err := runCmd("ip", "link", "set", name, "up"); err != nil {
		destroyTap(name)
		return fmt.Errorf("ip link set up: %w", err)
	}
	return nil
}

func destroyTap(name string) {
	runCmd("ip", "link", "del", name)
}

func setupNAT(tapName, guestIP string) error {
	src := guestIP + "/30"
	if err := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("iptables MASQUERADE: %w", err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD in: %w", err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD out: %w", err)
	}
	return nil
}

func removeNAT(tapName, guestIP string) {
	src := guestIP + "/30"
	runCmd("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
	runCmd("iptables", "-D", "FORWARD", "-i", tapName, "-j", "ACCEPT")
	runCmd("iptables", "-D", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
