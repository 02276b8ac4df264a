package hv

// IrqSink is the hypervisor interrupt-injection primitive for level-triggered
// lines. Injection failures race VM teardown, so callers log and continue.
type IrqSink interface {
	SetIRQ(line uint32, level bool) error
}

// MsiSink injects a message-signaled interrupt for the given vector.
type MsiSink interface {
	Inject(vector uint32) error
}

// IrqSinkFunc adapts a function to IrqSink.
type IrqSinkFunc func(line uint32, level bool) error

func (f IrqSinkFunc) SetIRQ(line uint32, level bool) error {
	if f != nil {
		return f(line, level)
	}
	return nil
}

// MsiSinkFunc adapts a function to MsiSink.
type MsiSinkFunc func(vector uint32) error

func (f MsiSinkFunc) Inject(vector uint32) error {
	if f != nil {
		return f(vector)
	}
	return nil
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+length) falls inside the region.
func (r MMIORegion) Contains(addr, length uint64) bool {
	end := addr + length
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// Device is the minimal contract every emulated device satisfies: binding to
// guest memory and an interrupt sink at machine assembly time.
type Device interface {
	Init(mem *GuestMemory, irq IrqSink) error
}

// Suspendable is the lifecycle contract layered over every device so the VM
// can be paused and serialized without racing in-flight work. Snapshot and
// Restore are only valid between Sleep and Wake; Sleep must not return until
// every worker owned by the device has stopped.
type Suspendable interface {
	Sleep() error
	Wake() error
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
