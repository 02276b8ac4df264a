package vhostuser

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/mdlayher/ethernet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtkit/virtkit/internal/devices/virtio"
	"github.com/virtkit/virtkit/internal/hv"
)

const (
	tnDescAddr  = 0x100
	tnAvailAddr = 0x1000
	tnUsedAddr  = 0x2000
	tnBufAddr   = 0x4000
)

type testDesc struct {
	addr     uint64
	length   uint32
	writable bool
}

// popChain builds a one-entry available ring holding the given descriptor
// chain and pops it.
func popChain(t *testing.T, mem *hv.GuestMemory, descs []testDesc) *virtio.Chain {
	t.Helper()

	for i, d := range descs {
		var flags uint16
		if d.writable {
			flags |= 2
		}
		next := uint16(0)
		if i < len(descs)-1 {
			flags |= 1
			next = uint16(i + 1)
		}
		entry := make([]byte, 16)
		binary.LittleEndian.PutUint64(entry[0:8], d.addr)
		binary.LittleEndian.PutUint32(entry[8:12], d.length)
		binary.LittleEndian.PutUint16(entry[12:14], flags)
		binary.LittleEndian.PutUint16(entry[14:16], next)
		_, err := mem.WriteAt(entry, int64(tnDescAddr+i*16))
		require.NoError(t, err)
	}

	avail := make([]byte, 6)
	binary.LittleEndian.PutUint16(avail[2:4], 1) // idx
	_, err := mem.WriteAt(avail, tnAvailAddr)
	require.NoError(t, err)

	q := virtio.NewQueue(mem, 8)
	q.SetAddresses(tnDescAddr, tnAvailAddr, tnUsedAddr)
	require.NoError(t, q.SetSize(8))
	require.NoError(t, q.SetReady(true))

	chain, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, chain)
	return chain
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	f := &ethernet.Frame{
		Destination: net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x02},
		Source:      net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01},
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     []byte("payload bytes"),
	}
	frame, err := f.MarshalBinary()
	require.NoError(t, err)
	return frame
}

func newTestMem(t *testing.T) *hv.GuestMemory {
	t.Helper()
	mem, err := hv.NewGuestMemory(hv.Region{GuestBase: 0, Host: make([]byte, 0x10000)})
	require.NoError(t, err)
	return mem
}

func TestNetTransmit(t *testing.T) {
	mem := newTestMem(t)
	frame := testFrame(t)

	// Guest TX buffer: virtio-net header then the frame.
	buf := make([]byte, netHdrSize+len(frame))
	copy(buf[netHdrSize:], frame)
	_, err := mem.WriteAt(buf, tnBufAddr)
	require.NoError(t, err)

	var sent [][]byte
	n := NewNet([6]byte{0x52, 0x54, 0, 0, 0, 1}, FrameSinkFunc(func(f []byte) error {
		sent = append(sent, append([]byte(nil), f...))
		return nil
	}))

	chain := popChain(t, mem, []testDesc{{addr: tnBufAddr, length: uint32(len(buf))}})
	written, err := n.HandleChain(context.Background(), netTxQueue, chain, mem)
	require.NoError(t, err)
	assert.Zero(t, written)
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])
}

func TestNetReceive(t *testing.T) {
	mem := newTestMem(t)
	frame := testFrame(t)

	n := NewNet([6]byte{0x52, 0x54, 0, 0, 0, 1}, nil)
	n.Deliver(frame)

	chain := popChain(t, mem, []testDesc{{addr: tnBufAddr, length: 2048, writable: true}})
	written, err := n.HandleChain(context.Background(), netRxQueue, chain, mem)
	require.NoError(t, err)
	assert.Equal(t, uint32(netHdrSize+len(frame)), written)

	got := make([]byte, written)
	_, err = mem.ReadAt(got, tnBufAddr)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(got[10:12]), "num_buffers")
	assert.Equal(t, frame, got[netHdrSize:])
}

func TestNetReceiveDropsOversizedFrame(t *testing.T) {
	mem := newTestMem(t)
	big := make([]byte, 4000)
	small := testFrame(t)

	n := NewNet([6]byte{0x52, 0x54, 0, 0, 0, 1}, nil)
	n.Deliver(big)
	n.Deliver(small)

	chain := popChain(t, mem, []testDesc{{addr: tnBufAddr, length: 1024, writable: true}})
	written, err := n.HandleChain(context.Background(), netRxQueue, chain, mem)
	require.NoError(t, err)
	assert.Equal(t, uint32(netHdrSize+len(small)), written)
	assert.Equal(t, uint64(1), n.DroppedFrames())
}

func TestNetReceiveCanceled(t *testing.T) {
	mem := newTestMem(t)
	n := NewNet([6]byte{0x52, 0x54, 0, 0, 0, 1}, nil)
	chain := popChain(t, mem, []testDesc{{addr: tnBufAddr, length: 1024, writable: true}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.HandleChain(ctx, netRxQueue, chain, mem)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNetConfig(t *testing.T) {
	n := NewNet([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, nil)
	cfg := n.ConfigBytes()
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, cfg[:6])
	assert.Equal(t, uint16(netStatusLinkUp), binary.LittleEndian.Uint16(cfg[6:8]))
	assert.NotZero(t, n.Features()&NetFeatureMAC)
}
