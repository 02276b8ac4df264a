package vhostuser

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// memRegion is one mapped guest memory region. data aliases the mmap, offset
// by MmapOffset so index 0 corresponds to GuestPhysAddr.
type memRegion struct {
	guestPhys uint64
	userAddr  uint64
	size      uint64
	mapping   []byte
	data      []byte
}

// MemTable is the device-side view of frontend guest memory, built from the
// region fds passed with SET_MEM_TABLE. It satisfies the same access contract
// as in-process guest memory, so the virtio ring code runs against it
// unchanged. Addresses are guest physical.
type MemTable struct {
	regions []memRegion
}

// NewMemTable mmaps each region's fd. The fds may be closed by the caller
// afterwards; the mappings keep them alive.
func NewMemTable(regions []MemoryRegion, fds []int) (*MemTable, error) {
	if len(regions) != len(fds) {
		return nil, errors.Errorf("mem table has %d regions but %d fds", len(regions), len(fds))
	}
	t := &MemTable{}
	for i, r := range regions {
		length := int(r.MmapOffset + r.Size)
		mapping, err := unix.Mmap(fds[i], 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "mmap region %d (%d bytes)", i, length)
		}
		t.regions = append(t.regions, memRegion{
			guestPhys: r.GuestPhysAddr,
			userAddr:  r.UserAddr,
			size:      r.Size,
			mapping:   mapping,
			data:      mapping[r.MmapOffset : r.MmapOffset+r.Size],
		})
	}
	sort.Slice(t.regions, func(i, j int) bool {
		return t.regions[i].guestPhys < t.regions[j].guestPhys
	})
	return t, nil
}

// newMemTableFromSlices builds a table over plain byte slices, for tests.
func newMemTableFromSlices(regions []MemoryRegion, backing [][]byte) *MemTable {
	t := &MemTable{}
	for i, r := range regions {
		t.regions = append(t.regions, memRegion{
			guestPhys: r.GuestPhysAddr,
			userAddr:  r.UserAddr,
			size:      r.Size,
			data:      backing[i],
		})
	}
	sort.Slice(t.regions, func(i, j int) bool {
		return t.regions[i].guestPhys < t.regions[j].guestPhys
	})
	return t
}

// Close unmaps every region. The table must not be used afterwards.
func (t *MemTable) Close() {
	for _, r := range t.regions {
		if r.mapping != nil {
			_ = unix.Munmap(r.mapping)
		}
	}
	t.regions = nil
}

func (t *MemTable) find(addr, length uint64) *memRegion {
	i := sort.Search(len(t.regions), func(i int) bool {
		r := &t.regions[i]
		return r.guestPhys+r.size > addr
	})
	if i >= len(t.regions) {
		return nil
	}
	r := &t.regions[i]
	if addr < r.guestPhys || length > r.guestPhys+r.size-addr {
		return nil
	}
	return r
}

// CheckRange reports whether [addr, addr+length) is fully backed.
func (t *MemTable) CheckRange(addr, length uint64) error {
	if length == 0 {
		return nil
	}
	if addr > ^uint64(0)-length {
		return errors.Errorf("guest range %#x+%#x overflows", addr, length)
	}
	if t.find(addr, length) == nil {
		return errors.Errorf("guest range %#x+%#x not in the memory table", addr, length)
	}
	return nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (t *MemTable) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative guest address %d", off)
	}
	r := t.find(uint64(off), uint64(len(p)))
	if r == nil {
		return 0, errors.Errorf("guest read %#x+%#x not in the memory table", off, len(p))
	}
	return copy(p, r.data[uint64(off)-r.guestPhys:]), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (t *MemTable) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative guest address %d", off)
	}
	r := t.find(uint64(off), uint64(len(p)))
	if r == nil {
		return 0, errors.Errorf("guest write %#x+%#x not in the memory table", off, len(p))
	}
	return copy(r.data[uint64(off)-r.guestPhys:], p), nil
}

// TranslateUser converts a frontend virtual address, as carried by
// SET_VRING_ADDR, to the guest physical address backed by the same bytes.
func (t *MemTable) TranslateUser(userAddr uint64) (uint64, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if userAddr >= r.userAddr && userAddr-r.userAddr < r.size {
			return r.guestPhys + (userAddr - r.userAddr), nil
		}
	}
	return 0, errors.Errorf("user address %#x not in the memory table", userAddr)
}
