package virtio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/virtkit/virtkit/internal/chipset"
	"github.com/virtkit/virtkit/internal/hv"
)

// virtio-mmio v2 register offsets.
const (
	mmioMagicValue        = 0x000
	mmioVersion           = 0x004
	mmioDeviceID          = 0x008
	mmioVendorID          = 0x00c
	mmioDeviceFeatures    = 0x010
	mmioDeviceFeaturesSel = 0x014
	mmioDriverFeatures    = 0x020
	mmioDriverFeaturesSel = 0x024
	mmioQueueSel          = 0x030
	mmioQueueNumMax       = 0x034
	mmioQueueNum          = 0x038
	mmioGuestPageSize     = 0x028 // legacy, rejected
	mmioQueuePFN          = 0x040 // legacy, rejected
	mmioQueueReady        = 0x044
	mmioQueueNotify       = 0x050
	mmioInterruptStatus   = 0x060
	mmioInterruptACK      = 0x064
	mmioStatus            = 0x070
	mmioQueueDescLow      = 0x080
	mmioQueueDescHigh     = 0x084
	mmioQueueDriverLow    = 0x090
	mmioQueueDriverHigh   = 0x094
	mmioQueueDeviceLow    = 0x0a0
	mmioQueueDeviceHigh   = 0x0a4
	mmioConfigGeneration  = 0x0fc
	mmioConfigOffset      = 0x100

	mmioMagic      = 0x74726976 // "virt"
	mmioDeviceVers = 2
	mmioVendor     = 0x766b6974 // "vkit"
	mmioRegionSize = 0x200
)

// Device status bits written by the driver.
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusDriverOK    = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusNeedsReset  = 1 << 6
	statusFailed      = 1 << 7
)

// Interrupt status bits.
const (
	isrUsedBuffer   = 1 << 0
	isrConfigChange = 1 << 1
)

// transportFeatures are offered by the MMIO transport on top of whatever the
// device handler offers.
const transportFeatures = FeatureVersion1 | FeatureRingIndirectDesc | FeatureRingEventIdx

// MMIODevice exposes a virtio device over the mmio transport. It owns the
// register file, the virtqueues and their workers; the DeviceHandler supplies
// the device-class semantics.
//
// Register accesses arrive on the vCPU dispatch path and never block: a queue
// notify only deposits a token in the worker's kick channel.
type MMIODevice struct {
	name     string
	deviceID uint32
	handler  DeviceHandler
	region   hv.MMIORegion
	irqLine  uint32

	mem  hv.Memory
	line chipset.LineInterrupt
	log  *slog.Logger

	mu                sync.Mutex
	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	interruptStatus   uint32
	irqHigh           bool
	configGeneration  uint32
	asleep            bool

	queues  []*Queue
	workers []*QueueWorker
}

// NewMMIODevice creates an MMIO transport for handler at the given guest
// physical base, signaling on irqLine.
func NewMMIODevice(name string, deviceID uint32, handler DeviceHandler, base uint64, irqLine uint32) *MMIODevice {
	return &MMIODevice{
		name:     name,
		deviceID: deviceID,
		handler:  handler,
		region:   hv.MMIORegion{Address: base, Size: mmioRegionSize + uint64(len(handler.ConfigBytes()))},
		irqLine:  irqLine,
		log:      slog.With("device", name),
	}
}

// Init binds the device to guest memory and an interrupt sink and builds its
// queues.
func (d *MMIODevice) Init(mem *hv.GuestMemory, irq hv.IrqSink) error {
	return d.InitWithMemory(mem, irq)
}

// InitWithMemory is Init for any Memory implementation, used by tests that
// substitute a mock.
func (d *MMIODevice) InitWithMemory(mem hv.Memory, irq hv.IrqSink) error {
	if mem == nil {
		return fmt.Errorf("virtio: %s: nil guest memory", d.name)
	}
	d.mem = mem
	if irq == nil {
		d.line = chipset.LineInterruptDetached()
	} else {
		line := d.irqLine
		d.line = chipset.LineInterruptFromFunc(func(high bool) error {
			return irq.SetIRQ(line, high)
		})
	}

	n := d.handler.NumQueues()
	d.queues = make([]*Queue, n)
	d.workers = make([]*QueueWorker, n)
	for i := 0; i < n; i++ {
		d.queues[i] = NewQueue(mem, d.handler.QueueMaxSize(i))
		d.workers[i] = NewQueueWorker(d.name, i, d.queues[i], d.handler, mem, d)
	}
	return nil
}

// Region returns the MMIO window the device claims.
func (d *MMIODevice) Region() hv.MMIORegion { return d.region }

// SupportsMmio implements chipset.ChipsetDevice.
func (d *MMIODevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Handler: d, Regions: []hv.MMIORegion{d.region}}
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (d *MMIODevice) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// Start implements chipset.ChangeDeviceState.
func (d *MMIODevice) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState. All workers are stopped
// synchronously.
func (d *MMIODevice) Stop() error {
	d.stopWorkers()
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (d *MMIODevice) Reset() error {
	d.stopWorkers()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}

func (d *MMIODevice) stopWorkers() {
	for _, w := range d.workers {
		w.Stop()
	}
}

// resetLocked clears the whole register file and all ring state. Workers must
// already be stopped.
func (d *MMIODevice) resetLocked() {
	d.status = 0
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.interruptStatus = 0
	d.updateIrqLocked()
	for _, q := range d.queues {
		q.Reset()
	}
	d.handler.Reset()
}

func (d *MMIODevice) offeredFeatures() uint64 {
	return d.handler.Features() | transportFeatures
}

func (d *MMIODevice) selectedQueue() *Queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return d.queues[d.queueSel]
}

// ReadMMIO implements chipset.MmioHandler.
func (d *MMIODevice) ReadMMIO(addr uint64, data []byte) error {
	offset := addr - d.region.Address

	if offset >= mmioConfigOffset {
		d.readConfig(offset-mmioConfigOffset, data)
		return nil
	}
	if len(data) != 4 {
		// Narrow register access; read as zero like an unmapped slot.
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var value uint32
	switch offset {
	case mmioMagicValue:
		value = mmioMagic
	case mmioVersion:
		value = mmioDeviceVers
	case mmioDeviceID:
		value = d.deviceID
	case mmioVendorID:
		value = mmioVendor
	case mmioDeviceFeatures:
		value = uint32(d.offeredFeatures() >> (32 * d.deviceFeaturesSel))
		if d.deviceFeaturesSel > 1 {
			value = 0
		}
	case mmioQueueNumMax:
		if q := d.selectedQueue(); q != nil {
			value = uint32(q.MaxSize())
		}
	case mmioQueueReady:
		if q := d.selectedQueue(); q != nil && q.Ready() {
			value = 1
		}
	case mmioInterruptStatus:
		value = d.interruptStatus
	case mmioStatus:
		value = d.status
	case mmioConfigGeneration:
		value = d.configGeneration
	default:
		value = 0
	}

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *MMIODevice) WriteMMIO(addr uint64, data []byte) error {
	offset := addr - d.region.Address

	if offset >= mmioConfigOffset {
		d.writeConfig(offset-mmioConfigOffset, data)
		return nil
	}
	if len(data) != 4 {
		return nil
	}
	value := binary.LittleEndian.Uint32(data)

	// QueueNotify is the hot path and must not take the register lock order
	// through worker state.
	if offset == mmioQueueNotify {
		d.notify(int(value))
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case mmioDeviceFeaturesSel:
		d.deviceFeaturesSel = value
	case mmioDriverFeaturesSel:
		d.driverFeaturesSel = value
	case mmioDriverFeatures:
		if d.driverFeaturesSel <= 1 {
			shift := 32 * d.driverFeaturesSel
			d.driverFeatures = d.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(value)<<shift
		}
	case mmioGuestPageSize, mmioQueuePFN:
		// Legacy (version 1) registers. Only modern drivers are supported.
		d.log.Warn("driver wrote legacy virtio-mmio register", "offset", offset, "value", value)
	case mmioQueueSel:
		d.queueSel = value
	case mmioQueueNum:
		if q := d.selectedQueue(); q != nil {
			if err := q.SetSize(uint16(value)); err != nil {
				d.log.Warn("rejecting queue size", "queue", d.queueSel, "size", value, "err", err)
				d.status |= statusNeedsReset
			}
		}
	case mmioQueueReady:
		d.writeQueueReadyLocked(value)
	case mmioInterruptACK:
		d.interruptStatus &^= value
		d.updateIrqLocked()
	case mmioStatus:
		d.writeStatusLocked(value)
	case mmioQueueDescLow:
		d.setQueueAddr(addrDesc, false, value)
	case mmioQueueDescHigh:
		d.setQueueAddr(addrDesc, true, value)
	case mmioQueueDriverLow:
		d.setQueueAddr(addrAvail, false, value)
	case mmioQueueDriverHigh:
		d.setQueueAddr(addrAvail, true, value)
	case mmioQueueDeviceLow:
		d.setQueueAddr(addrUsed, false, value)
	case mmioQueueDeviceHigh:
		d.setQueueAddr(addrUsed, true, value)
	}
	return nil
}

type queueAddrKind int

const (
	addrDesc queueAddrKind = iota
	addrAvail
	addrUsed
)

func (d *MMIODevice) setQueueAddr(kind queueAddrKind, high bool, value uint32) {
	q := d.selectedQueue()
	if q == nil {
		return
	}
	update := func(cur uint64) uint64 {
		if high {
			return cur&0xffffffff | uint64(value)<<32
		}
		return cur&^uint64(0xffffffff) | uint64(value)
	}
	switch kind {
	case addrDesc:
		q.descAddr = update(q.descAddr)
	case addrAvail:
		q.availAddr = update(q.availAddr)
	case addrUsed:
		q.usedAddr = update(q.usedAddr)
	}
}

func (d *MMIODevice) writeQueueReadyLocked(value uint32) {
	q := d.selectedQueue()
	if q == nil {
		return
	}
	if value == 0 {
		if int(d.queueSel) < len(d.workers) {
			w := d.workers[d.queueSel]
			// Worker teardown cannot hold the register lock: the worker may
			// be blocked publishing a used entry.
			d.mu.Unlock()
			w.Stop()
			d.mu.Lock()
		}
		if err := q.SetReady(false); err != nil {
			d.log.Warn("queue deactivate failed", "queue", d.queueSel, "err", err)
		}
		return
	}

	q.AckFeatures(d.driverFeatures)
	if err := q.SetReady(true); err != nil {
		d.log.Warn("queue activate failed", "queue", d.queueSel, "err", err)
		d.status |= statusNeedsReset
		return
	}
	if d.status&statusDriverOK != 0 {
		d.workers[d.queueSel].Start()
	}
}

func (d *MMIODevice) writeStatusLocked(value uint32) {
	if value == 0 {
		d.mu.Unlock()
		d.stopWorkers()
		d.mu.Lock()
		d.resetLocked()
		return
	}

	becameDriverOK := value&statusDriverOK != 0 && d.status&statusDriverOK == 0
	d.status = value

	if value&statusFeaturesOK != 0 {
		for _, q := range d.queues {
			q.AckFeatures(d.driverFeatures)
		}
	}
	if becameDriverOK {
		for i, q := range d.queues {
			if q.Ready() {
				d.workers[i].Start()
			}
		}
	}
}

func (d *MMIODevice) notify(queue int) {
	d.mu.Lock()
	ok := d.status&statusDriverOK != 0 && !d.asleep && queue >= 0 && queue < len(d.workers)
	d.mu.Unlock()
	if ok {
		d.workers[queue].Kick()
	}
}

func (d *MMIODevice) readConfig(offset uint64, data []byte) {
	cfg := d.handler.ConfigBytes()
	for i := range data {
		pos := offset + uint64(i)
		if pos < uint64(len(cfg)) {
			data[i] = cfg[pos]
		} else {
			data[i] = 0
		}
	}
}

func (d *MMIODevice) writeConfig(offset uint64, data []byte) {
	if len(data) > 4 {
		return
	}
	var buf [4]byte
	copy(buf[:], data)
	d.handler.WriteConfig(offset, binary.LittleEndian.Uint32(buf[:]))
}

// SignalUsedQueue implements Interrupt: latch the used-buffer ISR bit and
// raise the level-triggered line.
func (d *MMIODevice) SignalUsedQueue(int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interruptStatus |= isrUsedBuffer
	return d.updateIrqLocked()
}

// SignalConfigChanged implements Interrupt: bump the config generation, latch
// the config ISR bit and raise the line.
func (d *MMIODevice) SignalConfigChanged() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configGeneration++
	d.interruptStatus |= isrConfigChange
	return d.updateIrqLocked()
}

// updateIrqLocked drives the interrupt line to follow the ISR register,
// skipping redundant level transitions.
func (d *MMIODevice) updateIrqLocked() error {
	want := d.interruptStatus != 0
	if want == d.irqHigh || d.line == nil {
		return nil
	}
	if err := d.line.SetLevel(want); err != nil {
		return fmt.Errorf("virtio: %s: interrupt line: %w", d.name, err)
	}
	d.irqHigh = want
	return nil
}

// handlerState is implemented by device handlers carrying state that must
// survive a snapshot (pending console input, for example).
type handlerState interface {
	SnapshotState() ([]byte, error)
	RestoreState([]byte) error
}

// MMIODeviceSnapshot is the serialized register file and ring bookkeeping.
type MMIODeviceSnapshot struct {
	Status            uint32
	DeviceFeaturesSel uint32
	DriverFeaturesSel uint32
	DriverFeatures    uint64
	QueueSel          uint32
	InterruptStatus   uint32
	ConfigGeneration  uint32
	Queues            []QueueSnapshot
	Handler           []byte
}

// QueueSnapshot is the serialized per-queue bookkeeping.
type QueueSnapshot struct {
	Size      uint16
	MaxSize   uint16
	Ready     bool
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	NextAvail uint16
	NextUsed  uint16
	Features  uint64
}

// Sleep implements hv.Suspendable: stop all workers so ring state is
// quiescent.
func (d *MMIODevice) Sleep() error {
	d.stopWorkers()
	d.mu.Lock()
	d.asleep = true
	d.mu.Unlock()
	return nil
}

// Wake implements hv.Suspendable: restart workers for every activated queue
// and kick them once, in case chains were published while asleep.
func (d *MMIODevice) Wake() error {
	d.mu.Lock()
	d.asleep = false
	driverOK := d.status&statusDriverOK != 0
	d.mu.Unlock()

	if !driverOK {
		return nil
	}
	for i, q := range d.queues {
		if q.Ready() {
			d.workers[i].Start()
			d.workers[i].Kick()
		}
	}
	return nil
}

// Snapshot implements hv.Suspendable. The device must be asleep.
func (d *MMIODevice) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.asleep {
		return nil, fmt.Errorf("virtio: %s: snapshot of a running device", d.name)
	}

	snap := MMIODeviceSnapshot{
		Status:            d.status,
		DeviceFeaturesSel: d.deviceFeaturesSel,
		DriverFeaturesSel: d.driverFeaturesSel,
		DriverFeatures:    d.driverFeatures,
		QueueSel:          d.queueSel,
		InterruptStatus:   d.interruptStatus,
		ConfigGeneration:  d.configGeneration,
	}
	for _, q := range d.queues {
		snap.Queues = append(snap.Queues, q.Snapshot())
	}
	if hs, ok := d.handler.(handlerState); ok {
		state, err := hs.SnapshotState()
		if err != nil {
			return nil, fmt.Errorf("virtio: %s: handler snapshot: %w", d.name, err)
		}
		snap.Handler = state
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("virtio: %s: encode snapshot: %w", d.name, err)
	}
	return buf.Bytes(), nil
}

// Restore implements hv.Suspendable. The device must be asleep; Wake restarts
// the workers afterwards.
func (d *MMIODevice) Restore(data []byte) error {
	var snap MMIODeviceSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("virtio: %s: decode snapshot: %w", d.name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.asleep {
		return fmt.Errorf("virtio: %s: restore of a running device", d.name)
	}
	if len(snap.Queues) != len(d.queues) {
		return fmt.Errorf("virtio: %s: snapshot has %d queues, device has %d", d.name, len(snap.Queues), len(d.queues))
	}

	d.status = snap.Status
	d.deviceFeaturesSel = snap.DeviceFeaturesSel
	d.driverFeaturesSel = snap.DriverFeaturesSel
	d.driverFeatures = snap.DriverFeatures
	d.queueSel = snap.QueueSel
	d.interruptStatus = snap.InterruptStatus
	d.configGeneration = snap.ConfigGeneration
	for i, qs := range snap.Queues {
		d.queues[i].RestoreSnapshot(qs)
	}
	if hs, ok := d.handler.(handlerState); ok {
		if err := hs.RestoreState(snap.Handler); err != nil {
			return fmt.Errorf("virtio: %s: handler restore: %w", d.name, err)
		}
	}
	return d.updateIrqLocked()
}
