package vmm

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestServer starts an http.Server listening on a Unix socket so
// HTTPClient can be exercised without a real firecracker process.
func newTestServer(t *testing.T, handler http.Handler) (*HTTPClient, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "vmm.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix socket: %v", err)
	}

	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	client := NewHTTPClient(sockPath)
	return client, func() { srv.Close() }
}

func TestPutMachineConfigSendsExpectedShape(t *testing.T) {
	var gotPath, gotMethod string
	client, stop := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer stop()

	if err := client.PutMachineConfig(context.Background(), 2, 256, false); err != nil {
		t.Fatalf("PutMachineConfig: %v", err)
	}
	if gotPath != "/machine-config" || gotMethod != http.MethodPut {
		t.Errorf("got %s %s, want PUT /machine-config", gotMethod, gotPath)
	}
}

func TestNon2xxBecomesVmmError(t *testing.T) {
	client, stop := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"fault_message":"bad config"}`))
	}))
	defer stop()

	err := client.PutMachineConfig(context.Background(), 2, 256, false)
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestStartUsesInstanceStartAction(t *testing.T) {
	var gotPath string
	client, stop := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotPath != "/actions" {
		t.Errorf("gotPath = %s, want /actions", gotPath)
	}
}

func TestWaitForSocketSucceedsOnceListening(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "late.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForSocket(ctx, sockPath, 100*time.Millisecond); err != nil {
		t.Errorf("WaitForSocket: %v", err)
	}
}

func TestWaitForSocketTimesOutWhenAbsent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "never.sock")
	os.Remove(sockPath)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := WaitForSocket(ctx, sockPath, 50*time.Millisecond); err == nil {
		t.Error("expected timeout error when socket never appears")
	}
}
