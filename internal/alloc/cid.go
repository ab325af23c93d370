package alloc

import (
	"encoding/json"
	"fmt"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// Vsock CIDs 0, 1, 2 are reserved (hypervisor, local, host); the first
// CID ever handed out is 3. The range is exclusive of 2^32-2 and
// 2^32-1, which some hypervisors treat specially, so the allocator caps
// at 2^32-3.
const (
	cidMin uint32 = 3
	cidMax uint32 = 1<<32 - 3
)

type cidState struct {
	Free []uint32 `json:"free"`
	Next uint32   `json:"next"`
}

// CIDAllocator hands out vsock Context IDs from [3, 2^32-3), backed by a
// single JSON file and an OS advisory lock.
type CIDAllocator struct {
	path string
}

// NewCIDAllocator returns an allocator persisting its state at path.
func NewCIDAllocator(path string) *CIDAllocator {
	return &CIDAllocator{path: path}
}

func (a *CIDAllocator) load(data []byte) (cidState, error) {
	st := cidState{Next: cidMin}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return cidState{}, bsxerr.Wrap(bsxerr.IoError, err, "parse cid allocator state")
	}
	if st.Next < cidMin {
		st.Next = cidMin
	}
	return st, nil
}

// Acquire returns an unused CID: the free-list (LIFO) first, else bumps
// Next, else fails with AllocatorExhausted.
func (a *CIDAllocator) Acquire() (uint32, error) {
	var acquired uint32
	err := withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, err := a.load(data)
		if err != nil {
			return nil, err
		}

		if n := len(st.Free); n > 0 {
			acquired = st.Free[n-1]
			st.Free = st.Free[:n-1]
		} else {
			if st.Next >= cidMax {
				return nil, bsxerr.New(bsxerr.AllocatorExhausted, "no free vsock CIDs remain")
			}
			acquired = st.Next
			st.Next++
		}

		out, err := json.Marshal(st)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "marshal cid allocator state")
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	return acquired, nil
}

// Release returns id to the free pool. No-op if id was never handed out
// by this allocator's current Next watermark; we approximate "currently
// allocated" by rejecting ids at or above Next. Releasing an id that is
// already in the free list is also a no-op, so a double release never
// adds it twice.
func (a *CIDAllocator) Release(id uint32) error {
	return withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, err := a.load(data)
		if err != nil {
			return nil, err
		}
		if id >= st.Next {
			// Never allocated; nothing to do.
			return nil, nil
		}
		for _, f := range st.Free {
			if f == id {
				// Already released; idempotent no-op.
				return nil, nil
			}
		}
		st.Free = append(st.Free, id)

		out, err := json.Marshal(st)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "marshal cid allocator state")
		}
		return out, nil
	})
}

// Snapshot returns the current state for diagnostics/reconciliation.
func (a *CIDAllocator) Snapshot() (free []uint32, next uint32, err error) {
	err = withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, lerr := a.load(data)
		if lerr != nil {
			return nil, lerr
		}
		free = append([]uint32(nil), st.Free...)
		next = st.Next
		return nil, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot cid allocator: %w", err)
	}
	return free, next, nil
}
