package chipset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtkit/virtkit/internal/hv"
)

// recordingHandler remembers the last access it saw.
type recordingHandler struct {
	lastAddr  uint64
	lastWrite []byte
	fill      byte
}

func (h *recordingHandler) ReadMMIO(addr uint64, data []byte) error {
	h.lastAddr = addr
	for i := range data {
		data[i] = h.fill
	}
	return nil
}

func (h *recordingHandler) WriteMMIO(addr uint64, data []byte) error {
	h.lastAddr = addr
	h.lastWrite = append([]byte(nil), data...)
	return nil
}

func TestBusInsertRejectsOverlap(t *testing.T) {
	var bus Bus
	h := &recordingHandler{}

	require.NoError(t, bus.Insert(h, hv.MMIORegion{Address: 0x1000, Size: 0x200}))

	cases := []hv.MMIORegion{
		{Address: 0x1000, Size: 0x200}, // identical
		{Address: 0x11f0, Size: 0x20},  // tail overlap
		{Address: 0x0f00, Size: 0x200}, // head overlap
		{Address: 0x0800, Size: 0x1000},
	}
	for _, region := range cases {
		assert.Error(t, bus.Insert(h, region), "region %#x+%#x should overlap", region.Address, region.Size)
	}

	// Adjacent ranges are fine.
	assert.NoError(t, bus.Insert(h, hv.MMIORegion{Address: 0x1200, Size: 0x200}))
	assert.NoError(t, bus.Insert(h, hv.MMIORegion{Address: 0x0e00, Size: 0x200}))
}

func TestBusInsertRejectsEmptyAndWrapping(t *testing.T) {
	var bus Bus
	h := &recordingHandler{}

	assert.Error(t, bus.Insert(h, hv.MMIORegion{Address: 0x1000, Size: 0}))
	assert.Error(t, bus.Insert(h, hv.MMIORegion{Address: ^uint64(0) - 10, Size: 0x100}))
	assert.Error(t, bus.Insert(nil, hv.MMIORegion{Address: 0x1000, Size: 0x100}))
}

func TestBusDispatchForwardsFullAddress(t *testing.T) {
	var bus Bus
	low := &recordingHandler{fill: 0x11}
	high := &recordingHandler{fill: 0x22}

	require.NoError(t, bus.Insert(low, hv.MMIORegion{Address: 0x1000, Size: 0x200}))
	require.NoError(t, bus.Insert(high, hv.MMIORegion{Address: 0x4000, Size: 0x1000}))

	buf := make([]byte, 4)
	require.NoError(t, bus.Read(0x1040, buf))
	assert.Equal(t, uint64(0x1040), low.lastAddr)
	assert.Equal(t, []byte{0x11, 0x11, 0x11, 0x11}, buf)

	require.NoError(t, bus.Write(0x4ffc, []byte{1, 2, 3, 4}))
	assert.Equal(t, uint64(0x4ffc), high.lastAddr)
	assert.Equal(t, []byte{1, 2, 3, 4}, high.lastWrite)
}

func TestBusUnmappedAccess(t *testing.T) {
	var bus Bus
	h := &recordingHandler{fill: 0xff}
	require.NoError(t, bus.Insert(h, hv.MMIORegion{Address: 0x1000, Size: 0x100}))

	// Reads of unmapped addresses return zeros, writes are dropped; neither
	// errors.
	buf := []byte{0xde, 0xad}
	require.NoError(t, bus.Read(0x9000, buf))
	assert.Equal(t, []byte{0, 0}, buf)

	require.NoError(t, bus.Write(0x9000, []byte{1}))
	assert.Nil(t, h.lastWrite)

	// An access straddling the end of a mapped range is unmapped too.
	buf = []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, bus.Read(0x10fe, buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestLineInterruptAdapters(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(high bool) error {
		levels = append(levels, high)
		return nil
	})

	require.NoError(t, line.SetLevel(true))
	require.NoError(t, line.SetLevel(false))
	assert.Equal(t, []bool{true, false}, levels)

	// A nil func and the detached line both swallow level changes.
	assert.NoError(t, LineInterruptFromFunc(nil).SetLevel(true))
	assert.NoError(t, LineInterruptDetached().SetLevel(true))
}

type recordingPortHandler struct {
	lastPort  uint16
	lastWrite []byte
}

func (h *recordingPortHandler) ReadIOPort(port uint16, data []byte) error {
	h.lastPort = port
	for i := range data {
		data[i] = 0x5a
	}
	return nil
}

func (h *recordingPortHandler) WriteIOPort(port uint16, data []byte) error {
	h.lastPort = port
	h.lastWrite = append([]byte(nil), data...)
	return nil
}

func TestPortBusDispatch(t *testing.T) {
	var bus PortBus
	h := &recordingPortHandler{}

	require.NoError(t, bus.Insert(h, 0x3f8, 0x3f9))
	assert.Error(t, bus.Insert(&recordingPortHandler{}, 0x3f8))

	buf := make([]byte, 1)
	require.NoError(t, bus.Read(0x3f8, buf))
	assert.Equal(t, []byte{0x5a}, buf)

	require.NoError(t, bus.Write(0x3f9, []byte{0x42}))
	assert.Equal(t, uint16(0x3f9), h.lastPort)

	// Unclaimed port: zero reads, dropped writes.
	buf[0] = 0xff
	require.NoError(t, bus.Read(0x80, buf))
	assert.Equal(t, []byte{0}, buf)
	require.NoError(t, bus.Write(0x80, []byte{0xff}))
}
