package virtio

import (
	"context"

	"github.com/virtkit/virtkit/internal/hv"
)

// Virtio device type identifiers.
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
)

// Ring-level feature bits.
const (
	FeatureRingIndirectDesc = uint64(1) << 28
	FeatureRingEventIdx     = uint64(1) << 29
	FeatureVersion1         = uint64(1) << 32
)

// Split-ring descriptor flags.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1

	descriptorSize = 16
	usedElemSize   = 8
)

// DeviceHandler is the device-specific half of a virtio device: the transport
// (MMIO or vhost-user) owns the rings and register file, the handler owns the
// request semantics.
type DeviceHandler interface {
	// NumQueues returns how many virtqueues the device exposes.
	NumQueues() int

	// QueueMaxSize returns the maximum ring size for the given queue.
	QueueMaxSize(queue int) uint16

	// Features returns the device's offered feature bitset.
	Features() uint64

	// ConfigBytes returns the device-specific configuration space.
	ConfigBytes() []byte

	// WriteConfig handles a write into the device config window. Devices with
	// read-only config treat this as a no-op.
	WriteConfig(offset uint64, value uint32)

	// HandleChain processes one descriptor chain popped from the given queue
	// and returns the number of bytes written into the chain's writable
	// spans. It runs on the queue's worker goroutine and may block on backend
	// I/O; ctx is canceled when the worker is stopped.
	HandleChain(ctx context.Context, queue int, chain *Chain, mem hv.Memory) (uint32, error)

	// Reset drops all device-specific state.
	Reset()
}
