// bandsoxd is the host-side control plane daemon for Firecracker
// microVM sandboxes: it owns the CID/port allocators, the metadata
// store, and the set of live VmControllers, and reconciles persisted
// state against reality on every start.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hacke-rc/bandsox/internal/alloc"
	"github.com/hacke-rc/bandsox/internal/config"
	"github.com/hacke-rc/bandsox/internal/eventlog"
	"github.com/hacke-rc/bandsox/internal/imagebuild"
	"github.com/hacke-rc/bandsox/internal/manager"
	"github.com/hacke-rc/bandsox/internal/metadata"
	"github.com/hacke-rc/bandsox/internal/netprovision"
	"github.com/hacke-rc/bandsox/internal/snapshot"
	"github.com/hacke-rc/bandsox/internal/version"
	"github.com/hacke-rc/bandsox/internal/vmctl"
	"github.com/hacke-rc/bandsox/internal/vmm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("bandsoxd %s", version.Version())

	platform, err := config.DetectPlatform()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("running on %s/%s", platform.OS, platform.Arch)

	cfg := config.FromEnv()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	cfg.ResolveFirecrackerBin()
	if cfg.FirecrackerBin == "" {
		log.Printf("warning: firecracker binary not found on PATH or in %s; boots will fail until BANDSOX_FIRECRACKER_BIN is set", cfg.BinDir)
	}
	log.Printf("bandsoxd starting (storage: %s, firecracker: %s)", cfg.StorageRoot, cfg.FirecrackerBin)

	store := metadata.NewStore(cfg.MetadataDir, cfg.SnapshotsDir)
	cidAlloc := alloc.NewCIDAllocator(cfg.CIDAllocatorPath)
	portAlloc := alloc.NewPortAllocator(cfg.PortAllocatorPath)
	net := netprovision.New("bsx")
	net.CleanupOrphaned()

	events, err := eventlog.Open(cfg.EventsDir)
	if err != nil {
		log.Fatalf("open event ledger: %v", err)
	}
	defer events.Close()

	builder := imagebuild.New(cfg.ImagesDir)
	log.Printf("image builder: output dir %s", builder.OutputDir)

	deps := vmctl.Deps{
		Config:    cfg,
		Store:     store,
		CIDAlloc:  cidAlloc,
		PortAlloc: portAlloc,
		Net:       net,
		NewClient: func(apiSocket string) vmm.Client { return vmm.NewHTTPClient(apiSocket) },
		Events:    events,
	}

	snapEng := snapshot.New(cfg, store)
	mgr := manager.New(deps, snapEng, builder)

	if err := mgr.Reconcile(); err != nil {
		log.Fatalf("reconcile persisted VMs: %v", err)
	}
	log.Printf("reconciled %d persisted VM(s)", len(mgr.List()))

	pidPath := cfg.StorageRoot + "/bandsoxd.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("bandsoxd ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	log.Println("bandsoxd stopped")
}
