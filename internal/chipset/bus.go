package chipset

import (
	"fmt"
	"sort"

	"github.com/virtkit/virtkit/internal/hv"
)

// Bus routes guest MMIO accesses to the device owning the address. Ranges are
// kept sorted by base so a lookup is a binary search plus a containment
// check.
//
// Accesses that hit no mapped range model real bus behavior instead of
// faulting the VM: reads fill the buffer with zero bytes and writes are
// dropped. Tests pin this convention.
type Bus struct {
	ranges []busRange
}

type busRange struct {
	region  hv.MMIORegion
	handler MmioHandler
}

// Insert registers handler for every given region. Registration fails if any
// region overlaps one already on the bus; nothing is inserted on failure.
func (b *Bus) Insert(handler MmioHandler, regions ...hv.MMIORegion) error {
	if handler == nil {
		return fmt.Errorf("chipset: bus insert with nil handler")
	}
	for _, region := range regions {
		if region.Size == 0 {
			return fmt.Errorf("chipset: bus insert with empty region at %#x", region.Address)
		}
		if region.Address+region.Size < region.Address {
			return fmt.Errorf("chipset: bus region at %#x wraps the address space", region.Address)
		}
		for _, existing := range b.ranges {
			if region.Address < existing.region.Address+existing.region.Size &&
				existing.region.Address < region.Address+region.Size {
				return fmt.Errorf("chipset: bus region [%#x, %#x) overlaps [%#x, %#x)",
					region.Address, region.Address+region.Size,
					existing.region.Address, existing.region.Address+existing.region.Size)
			}
		}
	}
	for _, region := range regions {
		b.ranges = append(b.ranges, busRange{region: region, handler: handler})
	}
	sort.Slice(b.ranges, func(i, j int) bool {
		return b.ranges[i].region.Address < b.ranges[j].region.Address
	})
	return nil
}

// find returns the range fully containing [addr, addr+length), or nil.
func (b *Bus) find(addr, length uint64) *busRange {
	i := sort.Search(len(b.ranges), func(i int) bool {
		r := b.ranges[i].region
		return r.Address+r.Size > addr
	})
	if i >= len(b.ranges) {
		return nil
	}
	if !b.ranges[i].region.Contains(addr, length) {
		return nil
	}
	return &b.ranges[i]
}

// Read dispatches an MMIO read. Unmapped addresses read as zero.
func (b *Bus) Read(addr uint64, data []byte) error {
	r := b.find(addr, uint64(len(data)))
	if r == nil {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	return r.handler.ReadMMIO(addr, data)
}

// Write dispatches an MMIO write. Writes to unmapped addresses are dropped.
func (b *Bus) Write(addr uint64, data []byte) error {
	r := b.find(addr, uint64(len(data)))
	if r == nil {
		return nil
	}
	return r.handler.WriteMMIO(addr, data)
}

// PortBus routes x86 port I/O to per-port handlers. Ports are exact keys, so
// the dispatch is a map rather than a range search.
type PortBus struct {
	ports map[uint16]PortIOHandler
}

// Insert registers handler for every given port. A port already claimed by
// another handler is an error.
func (b *PortBus) Insert(handler PortIOHandler, ports ...uint16) error {
	if handler == nil {
		return fmt.Errorf("chipset: port bus insert with nil handler")
	}
	if b.ports == nil {
		b.ports = make(map[uint16]PortIOHandler)
	}
	for _, port := range ports {
		if _, ok := b.ports[port]; ok {
			return fmt.Errorf("chipset: I/O port 0x%04x already registered", port)
		}
	}
	for _, port := range ports {
		b.ports[port] = handler
	}
	return nil
}

// Read dispatches a port read. Unclaimed ports read as zero.
func (b *PortBus) Read(port uint16, data []byte) error {
	handler, ok := b.ports[port]
	if !ok {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	return handler.ReadIOPort(port, data)
}

// Write dispatches a port write. Writes to unclaimed ports are dropped.
func (b *PortBus) Write(port uint16, data []byte) error {
	handler, ok := b.ports[port]
	if !ok {
		return nil
	}
	return handler.WriteIOPort(port, data)
}
