package hv

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// ErrOutOfBounds is returned for guest physical accesses that do not resolve
// to exactly one backed region.
var ErrOutOfBounds = errors.New("guest address out of bounds")

// Memory is the access contract devices use to touch guest physical memory.
// Offsets are guest physical addresses. The backing bytes are mutated
// concurrently by running vCPUs, so callers must not assume a value observed
// twice is stable.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Region describes one host-backed span of guest physical memory.
type Region struct {
	GuestBase uint64
	Host      []byte
}

func (r Region) end() uint64 {
	return r.GuestBase + uint64(len(r.Host))
}

// GuestMemory is a fixed-shape view over one or more disjoint host-backed
// regions of the guest physical address space. The region list is immutable
// after construction; only the bytes inside the regions change.
//
// Every access is bounds checked. A request that is out of range or spans a
// gap between regions fails without partial effects.
type GuestMemory struct {
	regions []Region
}

// NewGuestMemory builds a GuestMemory from the given regions. Regions may be
// passed in any order; overlapping or empty regions are rejected.
func NewGuestMemory(regions ...Region) (*GuestMemory, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("hv: guest memory requires at least one region")
	}
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GuestBase < sorted[j].GuestBase
	})
	for i, r := range sorted {
		if len(r.Host) == 0 {
			return nil, fmt.Errorf("hv: guest memory region at %#x is empty", r.GuestBase)
		}
		if r.GuestBase > math.MaxUint64-uint64(len(r.Host)) {
			return nil, fmt.Errorf("hv: guest memory region at %#x wraps the address space", r.GuestBase)
		}
		if i > 0 && r.GuestBase < sorted[i-1].end() {
			return nil, fmt.Errorf("hv: guest memory regions [%#x, %#x) and [%#x, %#x) overlap",
				sorted[i-1].GuestBase, sorted[i-1].end(), r.GuestBase, r.end())
		}
	}
	return &GuestMemory{regions: sorted}, nil
}

// find returns the region fully containing [addr, addr+length), or nil.
func (m *GuestMemory) find(addr, length uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > addr
	})
	if i >= len(m.regions) {
		return nil
	}
	r := &m.regions[i]
	if addr < r.GuestBase || length > r.end()-addr {
		return nil
	}
	return r
}

// CheckRange reports whether [addr, addr+length) is fully backed.
func (m *GuestMemory) CheckRange(addr, length uint64) error {
	if length == 0 {
		return nil
	}
	if addr > math.MaxUint64-length {
		return fmt.Errorf("hv: range %#x+%#x overflows: %w", addr, length, ErrOutOfBounds)
	}
	if m.find(addr, length) == nil {
		return fmt.Errorf("hv: range %#x+%#x unbacked: %w", addr, length, ErrOutOfBounds)
	}
	return nil
}

// Slice returns the host bytes aliasing [addr, addr+length). The slice stays
// valid for the life of the GuestMemory and is concurrently mutated by the
// guest.
func (m *GuestMemory) Slice(addr, length uint64) ([]byte, error) {
	if err := m.CheckRange(addr, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	r := m.find(addr, length)
	off := addr - r.GuestBase
	return r.Host[off : off+length : off+length], nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("hv: negative guest address %d: %w", off, ErrOutOfBounds)
	}
	src, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("hv: negative guest address %d: %w", off, ErrOutOfBounds)
	}
	dst, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Size returns the total number of backed bytes.
func (m *GuestMemory) Size() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += uint64(len(r.Host))
	}
	return total
}

// Regions returns a copy of the region list with host backing elided.
func (m *GuestMemory) Regions() []MMIORegion {
	out := make([]MMIORegion, len(m.regions))
	for i, r := range m.regions {
		out[i] = MMIORegion{Address: r.GuestBase, Size: uint64(len(r.Host))}
	}
	return out
}

var _ Memory = (*GuestMemory)(nil)
