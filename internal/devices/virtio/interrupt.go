package virtio

import (
	"sync"

	"github.com/virtkit/virtkit/internal/hv"
)

// Interrupt delivers device-to-driver notifications. Transports provide the
// implementation: the MMIO transport latches ISR bits onto a level-triggered
// line, the vhost-user transport writes call eventfds, and an MSI-capable
// transport injects per-queue vectors.
type Interrupt interface {
	// SignalUsedQueue notifies the driver that used entries were published on
	// the given queue.
	SignalUsedQueue(queue int) error

	// SignalConfigChanged notifies the driver that the device config space
	// changed.
	SignalConfigChanged() error
}

// NoVector is the MSI-X "vector unset" sentinel. Signals routed to it are
// silently dropped.
const NoVector = 0xffff

// MsiInterrupt routes queue and config signals to message-signaled interrupt
// vectors. Vector assignments come from the driver and may change while
// workers are signaling, hence the lock.
type MsiInterrupt struct {
	mu           sync.Mutex
	sink         hv.MsiSink
	queueVectors []uint16
	configVector uint16
}

// NewMsiInterrupt creates an MSI router for numQueues queues with every
// vector unset.
func NewMsiInterrupt(sink hv.MsiSink, numQueues int) *MsiInterrupt {
	vectors := make([]uint16, numQueues)
	for i := range vectors {
		vectors[i] = NoVector
	}
	return &MsiInterrupt{sink: sink, queueVectors: vectors, configVector: NoVector}
}

// SetQueueVector assigns the MSI vector for a queue.
func (m *MsiInterrupt) SetQueueVector(queue int, vector uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queue >= 0 && queue < len(m.queueVectors) {
		m.queueVectors[queue] = vector
	}
}

// SetConfigVector assigns the MSI vector for config-change signals.
func (m *MsiInterrupt) SetConfigVector(vector uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configVector = vector
}

func (m *MsiInterrupt) SignalUsedQueue(queue int) error {
	m.mu.Lock()
	vector := uint16(NoVector)
	if queue >= 0 && queue < len(m.queueVectors) {
		vector = m.queueVectors[queue]
	}
	m.mu.Unlock()

	if vector == NoVector {
		return nil
	}
	return m.sink.Inject(uint32(vector))
}

func (m *MsiInterrupt) SignalConfigChanged() error {
	m.mu.Lock()
	vector := m.configVector
	m.mu.Unlock()

	if vector == NoVector {
		return nil
	}
	return m.sink.Inject(uint32(vector))
}
