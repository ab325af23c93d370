package vmm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// GuestControlPort is the fixed vsock port the in-guest agent listens on
// for host-initiated control (exec dispatch, session control, and the
// host side of file transfer). It is distinct from the allocated
// per-VM control port the guest dials out to.
const GuestControlPort = 5000

// DialGuestPort opens a host-initiated connection to guestPort on the
// VM's vsock device, using the firecracker vsock device's host-connect
// handshake: the host dials the VMM's main vsock UDS, writes
// "CONNECT <port>\n", and reads back "OK <assigned-host-port>\n" before
// the socket becomes a raw byte stream proxied to the listening guest
// port. It is how AgentSession reaches the guest's fixed control port
// once the guest has registered over the guest-initiated channel.
func DialGuestPort(ctx context.Context, udsPath string, guestPort uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.AgentDisconnected, err, "dial vmm vsock socket")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		conn.Close()
		return nil, bsxerr.Wrap(bsxerr.AgentDisconnected, err, "send vsock CONNECT")
	}

	// Read the "OK <port>\n" reply one byte at a time so no application
	// bytes the guest sends immediately after the handshake are
	// swallowed into a buffered reader we'd otherwise discard.
	var line []byte
	buf := make([]byte, 1)
	for len(line) < 64 {
		if _, err := conn.Read(buf); err != nil {
			conn.Close()
			return nil, bsxerr.Wrap(bsxerr.AgentDisconnected, err, "read vsock CONNECT reply")
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
	}
	if !strings.HasPrefix(string(line), "OK ") {
		conn.Close()
		return nil, bsxerr.Errf(bsxerr.AgentDisconnected, "vsock CONNECT to guest port %d refused: %q", guestPort, strings.TrimSpace(string(line)))
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
