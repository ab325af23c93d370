package agent

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hacke-rc/bandsox/internal/vsock"
)

// guestExecSide emulates the guest's half of the host-initiated exec
// channel: it reads one header, and if it's an "exec" it writes back
// exec_result with a fixed exit code.
func guestExecSide(t *testing.T, conn net.Conn, exitCode int) {
	t.Helper()
	c := vsock.NewConn(conn, 0)
	defer c.Close()
	hdr, err := c.ReadHeader()
	if err != nil {
		t.Errorf("guest ReadHeader: %v", err)
		return
	}
	var env envelope
	json.Unmarshal(hdr, &env)
	if env.Type != "exec" {
		t.Errorf("guest saw type %q, want exec", env.Type)
		return
	}
	var req execMsg
	json.Unmarshal(hdr, &req)
	c.WriteHeader(execResultMsg{Type: "exec_result", CmdID: req.CmdID, ExitCode: exitCode})
}

func TestExecRoundTrip(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		guestExecSide(t, guestSide, 7)
	}()

	s := New(Options{})
	s.AttachExecChannel(vsock.NewConn(hostSide, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := s.Exec(ctx, []string{"/bin/true"}, nil, "", 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	<-done
}

func TestExecTimeoutSendsKill(t *testing.T) {
	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	killSeen := make(chan struct{})
	go func() {
		c := vsock.NewConn(guestSide, 0)
		defer c.Close()
		for i := 0; i < 2; i++ {
			hdr, err := c.ReadHeader()
			if err != nil {
				return
			}
			var env envelope
			json.Unmarshal(hdr, &env)
			if env.Type == "session_kill" {
				close(killSeen)
				return
			}
			// exec: never reply, forcing the caller to time out.
		}
	}()

	s := New(Options{})
	s.AttachExecChannel(vsock.NewConn(hostSide, 0))

	ctx := context.Background()
	_, err := s.Exec(ctx, []string{"/bin/sleep", "10"}, nil, "", 50*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	select {
	case <-killSeen:
	case <-time.After(time.Second):
		t.Fatal("no session_kill observed after exec timeout")
	}
}

func TestRegistrationViaVsockListener(t *testing.T) {
	s := New(Options{RegistrationGrace: time.Second})

	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	go s.HandleVsockConn(vsock.NewConn(hostSide, 0))

	guest := vsock.NewConn(guestSide, 0)
	defer guest.Close()
	if err := guest.WriteHeader(registerMsg{Type: "register", AgentVersion: "1.0", Capabilities: []string{"exec"}}); err != nil {
		t.Fatalf("write register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.WaitRegistered(ctx) {
		t.Fatal("WaitRegistered returned false")
	}
	if !s.Registered() {
		t.Error("Registered() = false after register message")
	}
}

func TestUploadFileStreamsChunksAndVerifiesChecksum(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "src.bin")
	payload := make([]byte, 200*1024) // spans multiple 64 KiB chunks
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(localPath, payload, 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	hostSide, guestSide := net.Pipe()
	defer hostSide.Close()
	defer guestSide.Close()

	guestDone := make(chan []byte, 1)
	go func() {
		c := vsock.NewConn(guestSide, 0)
		defer c.Close()
		hdr, err := c.ReadHeader()
		if err != nil {
			return
		}
		var req uploadMsg
		json.Unmarshal(hdr, &req)
		c.WriteHeader(resultMsg{ID: req.ID, Type: "ready"})
		received := make([]byte, 0, req.Size)
		for int64(len(received)) < req.Size {
			chunk, err := c.ReadChunk()
			if err != nil {
				return
			}
			received = append(received, chunk...)
		}
		c.WriteHeader(resultMsg{ID: req.ID, Type: "success"})
		guestDone <- received
	}()

	s := New(Options{})
	s.AttachExecChannel(vsock.NewConn(hostSide, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.UploadFile(ctx, localPath, "/remote/dst.bin", 2*time.Second); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	select {
	case got := <-guestDone:
		if len(got) != len(payload) {
			t.Fatalf("guest received %d bytes, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guest side never completed")
	}
}
