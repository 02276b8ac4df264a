package virtio

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/virtkit/virtkit/internal/hv"
)

const testMMIOBase = 0xd0000000

// irqRecorder is an hv.IrqSink that tracks the line level and wakes waiters
// on a rising edge.
type irqRecorder struct {
	mu     sync.Mutex
	level  bool
	raised chan struct{}
}

func newIrqRecorder() *irqRecorder {
	return &irqRecorder{raised: make(chan struct{}, 16)}
}

func (r *irqRecorder) SetIRQ(_ uint32, level bool) error {
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
	if level {
		select {
		case r.raised <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *irqRecorder) high() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

func (r *irqRecorder) waitRaised(t *testing.T) {
	t.Helper()
	select {
	case <-r.raised:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the interrupt line")
	}
}

// mmioDriver performs register accesses the way a guest driver would.
type mmioDriver struct {
	t   *testing.T
	dev *MMIODevice
}

func (d *mmioDriver) read32(offset uint64) uint32 {
	d.t.Helper()
	buf := make([]byte, 4)
	if err := d.dev.ReadMMIO(testMMIOBase+offset, buf); err != nil {
		d.t.Fatalf("ReadMMIO %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func (d *mmioDriver) write32(offset uint64, value uint32) {
	d.t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := d.dev.WriteMMIO(testMMIOBase+offset, buf); err != nil {
		d.t.Fatalf("WriteMMIO %#x: %v", offset, err)
	}
}

// initQueue programs ring addresses and readies queue 0 against the testRing
// layout.
func (d *mmioDriver) initQueue(queue uint32, r *testRing) {
	d.write32(mmioQueueSel, queue)
	d.write32(mmioQueueNum, uint32(r.size))
	d.write32(mmioQueueDescLow, uint32(r.descAddr))
	d.write32(mmioQueueDescHigh, uint32(r.descAddr>>32))
	d.write32(mmioQueueDriverLow, uint32(r.availAddr))
	d.write32(mmioQueueDriverHigh, uint32(r.availAddr>>32))
	d.write32(mmioQueueDeviceLow, uint32(r.usedAddr))
	d.write32(mmioQueueDeviceHigh, uint32(r.usedAddr>>32))
	d.write32(mmioQueueReady, 1)
}

// negotiate acknowledges the full offered feature set.
func (d *mmioDriver) negotiate() uint64 {
	d.write32(mmioDeviceFeaturesSel, 0)
	low := d.read32(mmioDeviceFeatures)
	d.write32(mmioDeviceFeaturesSel, 1)
	high := d.read32(mmioDeviceFeatures)

	d.write32(mmioDriverFeaturesSel, 0)
	d.write32(mmioDriverFeatures, low)
	d.write32(mmioDriverFeaturesSel, 1)
	d.write32(mmioDriverFeatures, high)
	return uint64(high)<<32 | uint64(low)
}

// echoHandler copies each chain's readable bytes into its writable spans.
func echoHandler(queues int) *funcHandler {
	return &funcHandler{
		queues: queues,
		fn: func(_ context.Context, _ int, chain *Chain, mem hv.Memory) (uint32, error) {
			w := chain.Writer(mem)
			if _, err := io.Copy(w, chain.Reader(mem)); err != nil {
				return uint32(w.BytesWritten()), err
			}
			return uint32(w.BytesWritten()), nil
		},
	}
}

func newTestMMIODevice(t *testing.T, handler DeviceHandler) (*MMIODevice, *mmioDriver, *irqRecorder, *hv.GuestMemory) {
	t.Helper()
	mem, err := hv.NewGuestMemory(hv.Region{GuestBase: 0, Host: make([]byte, testMemSize)})
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	irq := newIrqRecorder()
	dev := NewMMIODevice("test-device", DeviceIDBlock, handler, testMMIOBase, 7)
	if err := dev.InitWithMemory(mem, irq); err != nil {
		t.Fatalf("InitWithMemory: %v", err)
	}
	t.Cleanup(func() { _ = dev.Stop() })
	return dev, &mmioDriver{t: t, dev: dev}, irq, mem
}

func TestMMIOIdentityRegisters(t *testing.T) {
	_, drv, _, _ := newTestMMIODevice(t, echoHandler(1))

	if got := drv.read32(mmioMagicValue); got != mmioMagic {
		t.Errorf("magic = %#x, want %#x", got, mmioMagic)
	}
	if got := drv.read32(mmioVersion); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
	if got := drv.read32(mmioDeviceID); got != DeviceIDBlock {
		t.Errorf("device id = %d, want %d", got, DeviceIDBlock)
	}
	if got := drv.read32(mmioQueueNumMax); got != 256 {
		t.Errorf("queue num max = %d, want 256", got)
	}

	// Narrow register reads come back as zero.
	buf := []byte{0xff, 0xff}
	if err := drv.dev.ReadMMIO(testMMIOBase+mmioMagicValue, buf); err != nil {
		t.Fatalf("narrow read: %v", err)
	}
	if buf[0] != 0 || buf[1] != 0 {
		t.Errorf("narrow read = %v, want zeros", buf)
	}
}

func TestMMIOFeatureNegotiation(t *testing.T) {
	_, drv, _, _ := newTestMMIODevice(t, echoHandler(1))

	features := drv.negotiate()
	if features&FeatureVersion1 == 0 {
		t.Error("VIRTIO_F_VERSION_1 not offered")
	}
	if features&FeatureRingEventIdx == 0 {
		t.Error("VIRTIO_F_EVENT_IDX not offered")
	}

	// Out-of-range selector reads as zero.
	drv.write32(mmioDeviceFeaturesSel, 2)
	if got := drv.read32(mmioDeviceFeatures); got != 0 {
		t.Errorf("features window 2 = %#x, want 0", got)
	}
}

func TestMMIOEndToEnd(t *testing.T) {
	_, drv, irq, mem := newTestMMIODevice(t, echoHandler(1))

	drv.write32(mmioStatus, statusAcknowledge|statusDriver)
	drv.negotiate()
	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	r := newTestRingOn(t, mem, 4, 0, testDescAddr, testAvailAddr, testUsedAddr)
	drv.initQueue(0, r)
	if got := drv.read32(mmioQueueReady); got != 1 {
		t.Fatalf("queue ready = %d, want 1", got)
	}
	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	// One request: 4 readable bytes echoed into an 8-byte writable buffer.
	r.write(testBufAddr, []byte("ping"))
	r.setDesc(0, testBufAddr, 4, virtqDescFNext, 1)
	r.setDesc(1, testBufAddr+0x100, 8, virtqDescFWrite, 0)
	r.setUsedEvent(0)
	r.publish(0)
	drv.write32(mmioQueueNotify, 0)

	irq.waitRaised(t)
	waitForUsedIdx(t, r, 1)

	id, length := r.usedEntry(0)
	if id != 0 || length != 4 {
		t.Errorf("used entry = (%d, %d), want (0, 4)", id, length)
	}
	if got := string(r.read(testBufAddr+0x100, 4)); got != "ping" {
		t.Errorf("echoed bytes = %q, want %q", got, "ping")
	}

	// ISR shows the used-buffer bit; acknowledging drops the line.
	if got := drv.read32(mmioInterruptStatus); got&isrUsedBuffer == 0 {
		t.Errorf("ISR = %#x, used-buffer bit missing", got)
	}
	drv.write32(mmioInterruptACK, isrUsedBuffer)
	if irq.high() {
		t.Error("interrupt line still high after ACK")
	}
}

func TestMMIOStatusZeroResets(t *testing.T) {
	handler := echoHandler(1)
	_, drv, _, mem := newTestMMIODevice(t, handler)

	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	r := newTestRingOn(t, mem, 4, 0, testDescAddr, testAvailAddr, testUsedAddr)
	drv.initQueue(0, r)
	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	drv.write32(mmioStatus, 0)

	if got := drv.read32(mmioStatus); got != 0 {
		t.Errorf("status after reset = %#x, want 0", got)
	}
	if got := drv.read32(mmioQueueReady); got != 0 {
		t.Errorf("queue ready after reset = %d, want 0", got)
	}
}

func TestMMIOConfigSpace(t *testing.T) {
	blk, err := NewBlk(NewMemBackend(4096*blkSectorSize), "disk0", false)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	_, drv, _, _ := newTestMMIODevice(t, blk)

	if got := drv.read32(mmioConfigOffset); got != 4096 {
		t.Errorf("capacity low = %d, want 4096", got)
	}
	if got := drv.read32(mmioConfigOffset + 4); got != 0 {
		t.Errorf("capacity high = %d, want 0", got)
	}

	// Reads past the config window are zero.
	if got := drv.read32(mmioConfigOffset + 0x80); got != 0 {
		t.Errorf("read past config = %#x, want 0", got)
	}
}

func TestMMIOSnapshotRestore(t *testing.T) {
	handler := echoHandler(1)
	dev, drv, _, mem := newTestMMIODevice(t, handler)

	drv.write32(mmioStatus, statusAcknowledge|statusDriver)
	drv.negotiate()
	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	r := newTestRingOn(t, mem, 4, transportFeatures, testDescAddr, testAvailAddr, testUsedAddr)
	drv.initQueue(0, r)
	drv.write32(mmioStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	if err := dev.Sleep(); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	blob, err := dev.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// A fresh device restored from the blob must continue where the first
	// left off, including ring addresses and negotiated features.
	restored := NewMMIODevice("test-device", DeviceIDBlock, echoHandler(1), testMMIOBase, 7)
	irq2 := newIrqRecorder()
	if err := restored.InitWithMemory(mem, irq2); err != nil {
		t.Fatalf("InitWithMemory: %v", err)
	}
	t.Cleanup(func() { _ = restored.Stop() })

	if err := restored.Sleep(); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := restored.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	drv2 := &mmioDriver{t: t, dev: restored}
	if got := drv2.read32(mmioQueueReady); got != 1 {
		t.Fatalf("restored queue ready = %d, want 1", got)
	}

	r.write(testBufAddr, []byte("snap"))
	r.setDesc(0, testBufAddr, 4, virtqDescFNext, 1)
	r.setDesc(1, testBufAddr+0x100, 8, virtqDescFWrite, 0)
	r.setUsedEvent(0)
	r.publish(0)
	drv2.write32(mmioQueueNotify, 0)

	waitForUsedIdx(t, r, 1)
	if got := string(r.read(testBufAddr+0x100, 4)); got != "snap" {
		t.Errorf("echoed bytes after restore = %q, want %q", got, "snap")
	}
}

func TestMMIOConfigChangeInterrupt(t *testing.T) {
	dev, drv, irq, _ := newTestMMIODevice(t, echoHandler(1))

	gen := drv.read32(mmioConfigGeneration)
	if err := dev.SignalConfigChanged(); err != nil {
		t.Fatalf("SignalConfigChanged: %v", err)
	}
	irq.waitRaised(t)

	if got := drv.read32(mmioInterruptStatus); got&isrConfigChange == 0 {
		t.Errorf("ISR = %#x, config bit missing", got)
	}
	if got := drv.read32(mmioConfigGeneration); got != gen+1 {
		t.Errorf("config generation = %d, want %d", got, gen+1)
	}
	drv.write32(mmioInterruptACK, isrConfigChange)
	if irq.high() {
		t.Error("interrupt line still high after ACK")
	}
}
