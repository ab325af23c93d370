// Package vsock implements VsockListener: the host side of the
// guest-initiated, multi-port JSON protocol. The host binds
// UDS listeners at "{uds_path}_{port}"; the VMM proxies the guest's
// AF_VSOCK connect(CID=2, port) to those listeners. Each accepted
// connection carries one newline-delimited JSON header, optionally
// followed by binary BODY frames for upload/download/chunk transfers.
package vsock

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// maxHeaderBytes bounds one JSON header line to 1 MiB, excluding BODY
// frames.
const maxHeaderBytes = 1 << 20

// maxChunkBytes bounds a single BODY frame to 64 KiB.
const maxChunkBytes = 64 * 1024

// Conn wraps one accepted connection with the HEADER/BODY framing. A
// Conn handles exactly one logical request-response exchange —
// streaming transfers span multiple BODY frames on the same Conn, but
// the guest opens a fresh socket per operation.
type Conn struct {
	nc          net.Conn
	r           *bufio.Reader
	idleTimeout time.Duration
	closed      int32
}

func newConn(nc net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{
		nc:          nc,
		r:           bufio.NewReaderSize(nc, 64*1024),
		idleTimeout: idleTimeout,
	}
}

// NewConn wraps an already-established connection (e.g. one AgentSession
// dialed out to the guest's fixed host-initiated-control port) with the
// same HEADER/BODY framing used by accepted listener connections.
func NewConn(nc net.Conn, idleTimeout time.Duration) *Conn {
	return newConn(nc, idleTimeout)
}

// ReadHeader reads one newline-delimited JSON header line. Connections
// idle for longer than idleTimeout without activity are closed.
// Malformed JSON is the caller's responsibility to detect and respond
// to by dropping the connection.
func (c *Conn) ReadHeader() (json.RawMessage, error) {
	if c.idleTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		// Fall through: a trailing unterminated line at EOF is still
		// a usable header for callers that want best-effort parsing.
	}
	if len(line) > maxHeaderBytes {
		return nil, bsxerr.New(bsxerr.InvalidArgument, "header exceeds 1 MiB limit")
	}
	trimmed := trimNewline(line)
	var probe json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, bsxerr.Wrap(bsxerr.InvalidArgument, err, "malformed JSON header")
	}
	return probe, nil
}

func trimNewline(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

// WriteHeader marshals v and writes it as one newline-terminated JSON
// line.
func (c *Conn) WriteHeader(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return bsxerr.Wrap(bsxerr.Internal, err, "marshal header")
	}
	data = append(data, '\n')
	if c.idleTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.idleTimeout))
	}
	if _, err := c.nc.Write(data); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "write header")
	}
	return nil
}

// ReadChunk reads one {length:u32-LE, bytes:length} BODY frame; the
// length prefix is little-endian.
func (c *Conn) ReadChunk() ([]byte, error) {
	if c.idleTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "read chunk length")
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxChunkBytes {
		return nil, bsxerr.Errf(bsxerr.InvalidArgument, "chunk of %d bytes exceeds %d cap", n, maxChunkBytes)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, bsxerr.Wrap(bsxerr.IoError, err, "read chunk body")
		}
	}
	return buf, nil
}

// WriteChunk writes one {length:u32-LE, bytes:length} BODY frame.
func (c *Conn) WriteChunk(data []byte) error {
	if len(data) > maxChunkBytes {
		return bsxerr.Errf(bsxerr.InvalidArgument, "chunk of %d bytes exceeds %d cap", len(data), maxChunkBytes)
	}
	if c.idleTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.idleTimeout))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "write chunk length")
	}
	if len(data) > 0 {
		if _, err := c.nc.Write(data); err != nil {
			return bsxerr.Wrap(bsxerr.IoError, err, "write chunk body")
		}
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.nc.Close()
}

// RemoteAddr exposes the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
