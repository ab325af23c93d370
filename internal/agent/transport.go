package agent

import (
	"encoding/json"

	"github.com/hacke-rc/bandsox/internal/serial"
	"github.com/hacke-rc/bandsox/internal/vsock"
)

// Transport is the minimum a host-initiated control channel must
// support: one JSON header per logical message. *vsock.Conn already
// satisfies this directly; serialConn adapts *serial.Bridge to the
// same shape.
type Transport interface {
	WriteHeader(v any) error
	ReadHeader() (json.RawMessage, error)
	Close() error
}

// ChunkedTransport additionally supports the binary BODY framing used
// to stream upload/download payloads larger than fit in one message.
// Only the vsock transport implements it; the serial fallback instead
// base64-encodes a whole payload into a single header, since it has no
// chunk streaming.
type ChunkedTransport interface {
	Transport
	ReadChunk() ([]byte, error)
	WriteChunk([]byte) error
}

var (
	_ ChunkedTransport = (*vsock.Conn)(nil)
	_ Transport        = (*serialConn)(nil)
)

// serialConn adapts *serial.Bridge's Send/Recv naming to Transport.
type serialConn struct {
	b *serial.Bridge
}

func newSerialConn(b *serial.Bridge) *serialConn { return &serialConn{b: b} }

func (s *serialConn) WriteHeader(v any) error            { return s.b.Send(v) }
func (s *serialConn) ReadHeader() (json.RawMessage, error) { return s.b.Recv() }
func (s *serialConn) Close() error                       { return s.b.Close() }
