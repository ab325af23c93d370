package serial

import (
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

func newPipePair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return a, b
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	bridgeA := New(a)
	bridgeB := New(b)

	type ping struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}

	errCh := make(chan error, 1)
	go func() { errCh <- bridgeA.Send(ping{Type: "ping", ID: "1"}) }()

	raw, err := bridgeB.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got ping
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "ping" || got.ID != "1" {
		t.Errorf("got %+v", got)
	}
}

func TestRejectOversizePayload(t *testing.T) {
	err := RejectOversizePayload(MaxPayloadBytes + 1)
	if !bsxerr.Is(err, bsxerr.InvalidArgument) {
		t.Errorf("RejectOversizePayload over cap = %v, want InvalidArgument", err)
	}
	if err := RejectOversizePayload(MaxPayloadBytes); err != nil {
		t.Errorf("RejectOversizePayload at cap = %v, want nil", err)
	}
}
