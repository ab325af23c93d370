// Package imagebuild implements ImageBuilder: given an OCI image
// reference and a size hint, produce a path to an ext4 rootfs file.
// It is a concrete default for the external collaborator boundary the
// core only specifies at the interface: Builder.Build wraps
// internal/image's pull-then-unpack pipeline with the one step that
// pipeline stops short of — turning an unpacked directory tree into
// the single ext4 file a Firecracker drive config points at.
package imagebuild

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/image"
)

// Result is what Build returns: the finished rootfs plus the digest of
// the image it came from, so callers can cache by digest.
type Result struct {
	RootfsPath string
	Digest     string
}

// Builder is the concrete ImageBuilder: OCI pull (go-containerregistry)
// + layer unpack (klauspost/compress gzip) + mkfs.ext4.
type Builder struct {
	// OutputDir is where finished .ext4 files are written, one per
	// build, named by image digest so repeated builds of the same
	// image are a cache hit.
	OutputDir string
	// MkfsExt4Bin is the mkfs.ext4 binary to shell out to; empty means
	// search PATH.
	MkfsExt4Bin string
}

// New returns a Builder that writes finished images under outputDir.
func New(outputDir string) *Builder {
	return &Builder{OutputDir: outputDir, MkfsExt4Bin: "mkfs.ext4"}
}

// Build pulls imageRef, unpacks every layer into a scratch directory,
// and packs the result into an ext4 file of exactly sizeHintMiB (512
// when <= 0). The size is not raised to fit the unpacked tree; if the
// tree does not fit, mkfs.ext4 fails and Build returns that error. The
// ext4 file is
// cached by image digest: a second Build of the same imageRef is a
// no-op past the registry HEAD request.
func (b *Builder) Build(ctx context.Context, imageRef string, sizeHintMiB int) (*Result, error) {
	pulled, err := image.Pull(ctx, imageRef)
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.Internal, err, "pull image "+imageRef)
	}

	cachedPath := filepath.Join(b.OutputDir, sanitizeDigest(pulled.Digest)+".ext4")
	if _, err := os.Stat(cachedPath); err == nil {
		return &Result{RootfsPath: cachedPath, Digest: pulled.Digest}, nil
	}

	scratchDir, err := os.MkdirTemp(b.OutputDir, "unpack-*")
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create unpack scratch directory")
	}
	defer os.RemoveAll(scratchDir)

	if err := image.Unpack(pulled.Image, scratchDir); err != nil {
		return nil, bsxerr.Wrap(bsxerr.Internal, err, "unpack image "+imageRef)
	}

	if sizeHintMiB <= 0 {
		sizeHintMiB = 512
	}
	if err := os.MkdirAll(b.OutputDir, 0700); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create image output directory")
	}
	tmpImage := cachedPath + ".tmp"
	if err := b.packExt4(ctx, scratchDir, tmpImage, sizeHintMiB); err != nil {
		os.Remove(tmpImage)
		return nil, err
	}
	if err := os.Rename(tmpImage, cachedPath); err != nil {
		os.Remove(tmpImage)
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "rename finished rootfs into place")
	}

	return &Result{RootfsPath: cachedPath, Digest: pulled.Digest}, nil
}

// packExt4 allocates a sparse file of the requested size and formats
// it directly from sourceDir via mkfs.ext4 -d, mirroring the way the
// rest of the corpus shells out to an external tool (config.FindBinary
// + exec.Command) rather than linking a filesystem-formatting library
// — none of the example repos carry one.
func (b *Builder) packExt4(ctx context.Context, sourceDir, outPath string, sizeMiB int) error {
	f, err := os.Create(outPath)
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "create rootfs image file")
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		return bsxerr.Wrap(bsxerr.IoError, err, "truncate rootfs image file")
	}
	if err := f.Close(); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "close rootfs image file")
	}

	bin := b.MkfsExt4Bin
	if bin == "" {
		bin = "mkfs.ext4"
	}
	cmd := exec.CommandContext(ctx, bin, "-q", "-F", "-d", sourceDir, outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return bsxerr.Errf(bsxerr.Internal, "mkfs.ext4 failed: %v: %s", err, out)
	}
	return nil
}

func sanitizeDigest(digest string) string {
	out := make([]byte, 0, len(digest))
	for _, r := range digest {
		if r == ':' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
