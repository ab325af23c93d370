package metadata

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/unix"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// validID matches vm_id/snapshot_id values safe to embed in a filename;
// mirrors the path-traversal guard used for content-addressed blob keys
// elsewhere in the corpus.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is the MetadataStore: a flat directory of per-descriptor JSON
// files.
type Store struct {
	vmDir       string
	snapshotDir string
}

// NewStore returns a Store rooted at the given metadata and snapshots
// directories (typically config.MetadataDir and config.SnapshotsDir).
func NewStore(metadataDir, snapshotsDir string) *Store {
	return &Store{vmDir: metadataDir, snapshotDir: snapshotsDir}
}

func (s *Store) vmPath(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", bsxerr.Errf(bsxerr.InvalidArgument, "invalid vm_id %q", id)
	}
	return filepath.Join(s.vmDir, id+".json"), nil
}

func (s *Store) snapshotDescPath(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", bsxerr.Errf(bsxerr.InvalidArgument, "invalid snapshot_id %q", id)
	}
	return filepath.Join(s.snapshotDir, id, "descriptor.json"), nil
}

// writeJSON performs write-to-temp + fsync + atomic rename, guarded by
// an advisory lock on the destination path for the duration of the
// update.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "create metadata directory")
	}

	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "open metadata lock file")
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "lock metadata file")
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return bsxerr.Wrap(bsxerr.Internal, err, "marshal descriptor")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "create temp descriptor file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return bsxerr.Wrap(bsxerr.IoError, err, "write temp descriptor file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return bsxerr.Wrap(bsxerr.IoError, err, "fsync temp descriptor file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return bsxerr.Wrap(bsxerr.IoError, err, "close temp descriptor file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return bsxerr.Wrap(bsxerr.IoError, err, "rename descriptor into place")
	}
	return nil
}

// readJSON performs a lockless read; missing optional fields default to
// their Go zero value.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bsxerr.Errf(bsxerr.NotFound, "no descriptor at %s", path)
		}
		return bsxerr.Wrap(bsxerr.IoError, err, "read descriptor")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "parse descriptor")
	}
	return nil
}

// PutVM writes vm's descriptor, creating or overwriting it.
func (s *Store) PutVM(vm *VmDescriptor) error {
	path, err := s.vmPath(vm.VmID)
	if err != nil {
		return err
	}
	return writeJSON(path, vm)
}

// GetVM reads one VM's descriptor.
func (s *Store) GetVM(id string) (*VmDescriptor, error) {
	path, err := s.vmPath(id)
	if err != nil {
		return nil, err
	}
	var vm VmDescriptor
	if err := readJSON(path, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// DeleteVM removes a VM's descriptor. Idempotent.
func (s *Store) DeleteVM(id string) error {
	path, err := s.vmPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return bsxerr.Wrap(bsxerr.IoError, err, "delete vm descriptor")
	}
	os.Remove(path + ".lock")
	return nil
}

// ListVMs enumerates every VM descriptor, skipping unparseable files.
// Corrupt entries are logged, not returned as an error, so one bad file
// never blocks enumeration of the rest.
func (s *Store) ListVMs() ([]*VmDescriptor, error) {
	entries, err := os.ReadDir(s.vmDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "list vm metadata directory")
	}

	var out []*VmDescriptor
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.vmDir, e.Name())
		var vm VmDescriptor
		if err := readJSON(path, &vm); err != nil {
			log.Printf("metadata: skipping corrupt vm descriptor %s: %v", path, err)
			continue
		}
		out = append(out, &vm)
	}
	return out, nil
}

// PutSnapshot writes a snapshot's descriptor.
func (s *Store) PutSnapshot(snap *SnapshotDescriptor) error {
	path, err := s.snapshotDescPath(snap.SnapshotID)
	if err != nil {
		return err
	}
	return writeJSON(path, snap)
}

// GetSnapshot reads one snapshot's descriptor.
func (s *Store) GetSnapshot(id string) (*SnapshotDescriptor, error) {
	path, err := s.snapshotDescPath(id)
	if err != nil {
		return nil, err
	}
	var snap SnapshotDescriptor
	if err := readJSON(path, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot's entire directory (descriptor,
// memory file, state file, rootfs copy). Never touches descendant VMs.
func (s *Store) DeleteSnapshot(id string) error {
	if !validID.MatchString(id) {
		return bsxerr.Errf(bsxerr.InvalidArgument, "invalid snapshot_id %q", id)
	}
	dir := filepath.Join(s.snapshotDir, id)
	if err := os.RemoveAll(dir); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "delete snapshot directory")
	}
	return nil
}

// ListSnapshots enumerates every snapshot descriptor, skipping
// unparseable files.
func (s *Store) ListSnapshots() ([]*SnapshotDescriptor, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "list snapshots directory")
	}

	var out []*SnapshotDescriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.snapshotDir, e.Name(), "descriptor.json")
		var snap SnapshotDescriptor
		if err := readJSON(path, &snap); err != nil {
			if bsxerr.Is(err, bsxerr.NotFound) {
				continue
			}
			log.Printf("metadata: skipping corrupt snapshot descriptor %s: %v", path, err)
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

// VmMetadataPath returns the on-disk path of a VM's descriptor, for
// callers (e.g. reconciliation) that need to check existence without a
// full parse.
func (s *Store) VmMetadataPath(id string) (string, error) {
	return s.vmPath(id)
}
