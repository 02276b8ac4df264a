package chipset

import (
	"github.com/virtkit/virtkit/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler
// for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions. Handlers run
// synchronously on the vCPU trap path and must not block; slow work is
// deferred to a worker by signaling an event.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler
// for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// LineInterrupt models the level-triggered interrupt line a device drives.
// Devices call SetLevel with the level they want; redundant transitions are
// the caller's problem to avoid.
type LineInterrupt interface {
	SetLevel(high bool) error
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool) error { return nil }

// LineInterruptDetached returns a LineInterrupt that drops all level changes,
// for machines assembled without an interrupt controller.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a level function to LineInterrupt.
func LineInterruptFromFunc(fn func(high bool) error) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool) error

func (f lineInterruptFunc) SetLevel(high bool) error {
	if f != nil {
		return f(high)
	}
	return nil
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}
