package alloc

import (
	"encoding/json"
	"fmt"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// Listener ports are drawn from [9000, 9999].
const (
	portMin uint16 = 9000
	portMax uint16 = 9999
)

type portState struct {
	Used []uint16 `json:"used"`
	Next uint16   `json:"next"`
}

// PortAllocator hands out listener ports from [9000, 9999], backed by a
// single JSON file and an OS advisory lock.
type PortAllocator struct {
	path string
}

// NewPortAllocator returns an allocator persisting its state at path.
func NewPortAllocator(path string) *PortAllocator {
	return &PortAllocator{path: path}
}

func (a *PortAllocator) load(data []byte) (portState, error) {
	st := portState{Next: portMin}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return portState{}, bsxerr.Wrap(bsxerr.IoError, err, "parse port allocator state")
	}
	if st.Next < portMin || st.Next > portMax {
		st.Next = portMin
	}
	return st, nil
}

func isUsed(used []uint16, p uint16) bool {
	for _, u := range used {
		if u == p {
			return true
		}
	}
	return false
}

// Acquire scans forward from Next modulo [9000,9999], skipping entries
// already in Used, and returns the first free port. Fails with
// NoFreePort (AllocatorExhausted) if the whole range is used.
func (a *PortAllocator) Acquire() (uint16, error) {
	var acquired uint16
	err := withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, err := a.load(data)
		if err != nil {
			return nil, err
		}

		span := int(portMax-portMin) + 1
		cursor := st.Next
		found := false
		for i := 0; i < span; i++ {
			if !isUsed(st.Used, cursor) {
				found = true
				break
			}
			if cursor == portMax {
				cursor = portMin
			} else {
				cursor++
			}
		}
		if !found {
			return nil, bsxerr.New(bsxerr.AllocatorExhausted, "no free listener ports remain in [9000,9999]")
		}

		acquired = cursor
		st.Used = append(st.Used, acquired)
		if acquired == portMax {
			st.Next = portMin
		} else {
			st.Next = acquired + 1
		}

		out, err := json.Marshal(st)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "marshal port allocator state")
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	return acquired, nil
}

// Release removes port from Used. Idempotent: releasing an already-free
// port is a no-op, not an error.
func (a *PortAllocator) Release(port uint16) error {
	return withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, err := a.load(data)
		if err != nil {
			return nil, err
		}

		out := st.Used[:0]
		removed := false
		for _, u := range st.Used {
			if u == port {
				removed = true
				continue
			}
			out = append(out, u)
		}
		st.Used = out
		if !removed {
			return nil, nil
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, bsxerr.Wrap(bsxerr.Internal, err, "marshal port allocator state")
		}
		return b, nil
	})
}

// Snapshot returns the current state for diagnostics/reconciliation.
func (a *PortAllocator) Snapshot() (used []uint16, next uint16, err error) {
	err = withLockedFile(a.path, func(data []byte) ([]byte, error) {
		st, lerr := a.load(data)
		if lerr != nil {
			return nil, lerr
		}
		used = append([]uint16(nil), st.Used...)
		next = st.Next
		return nil, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot port allocator: %w", err)
	}
	return used, next, nil
}
