// Package serial implements SerialBridge, the fallback transport that
// VmController attaches when vsock registration never arrives or the
// exec channel cannot be dialed. The wire is
// line-oriented: one JSON record per line over the VMM's serial console
// (the firecracker process's stdin/stdout), with upload/download
// payloads base64-encoded whole (no streaming, hard 8 MiB cap).
package serial

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// MaxPayloadBytes is the hard cap on a single upload/download payload
// over serial.
const MaxPayloadBytes = 8 << 20

// Bridge is a line-framed JSON record channel over a serial console
// stream. Writes are serialized with a mutex because the console is a
// single shared stream;
// reads happen on one dedicated goroutine via Recv.
type Bridge struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader

	writeMu sync.Mutex
}

// New wraps rw (typically the VMM's console pipe from
// vmm.Process.Console) as a Bridge.
func New(rw io.ReadWriteCloser) *Bridge {
	return &Bridge{rw: rw, r: bufio.NewReaderSize(rw, 64*1024)}
}

// Send marshals v and writes it as one newline-terminated line. Safe for
// concurrent use.
func (b *Bridge) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return bsxerr.Wrap(bsxerr.Internal, err, "marshal serial record")
	}
	if len(data) > MaxPayloadBytes {
		return bsxerr.Errf(bsxerr.InvalidArgument, "serial record of %d bytes exceeds %d cap", len(data), MaxPayloadBytes)
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.rw.Write(data); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "write serial record")
	}
	return nil
}

// Recv reads and returns the next newline-delimited JSON record.
// Malformed JSON drops the connection, the same rule vsock applies.
func (b *Bridge) Recv() (json.RawMessage, error) {
	line, err := b.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
	}
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	line = line[:n]

	var probe json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, bsxerr.Wrap(bsxerr.InvalidArgument, err, "malformed serial JSON record")
	}
	return probe, nil
}

// Close closes the underlying console stream.
func (b *Bridge) Close() error { return b.rw.Close() }

// RejectOversizePayload is the boundary check for uploads over serial,
// applied before any bytes are base64-decoded or written to disk.
func RejectOversizePayload(size int64) error {
	if size > MaxPayloadBytes {
		return bsxerr.Errf(bsxerr.InvalidArgument, "upload of %d bytes exceeds serial cap of %d bytes", size, MaxPayloadBytes)
	}
	return nil
}
