package vhostuser

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/virtkit/virtkit/internal/devices/virtio"
	"github.com/virtkit/virtkit/internal/hv"
)

const (
	netRxQueue = 0
	netTxQueue = 1

	netQueueSize = 256

	// virtio_net_hdr_v1 prefixes every frame on both queues.
	netHdrSize = 12

	NetFeatureMAC    = uint64(1) << 5
	NetFeatureStatus = uint64(1) << 16

	netStatusLinkUp = 1
)

// FrameSink receives guest transmit frames, without the virtio-net header.
type FrameSink interface {
	SendFrame(frame []byte) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame []byte) error

func (f FrameSinkFunc) SendFrame(frame []byte) error { return f(frame) }

// Net is a virtio-net device handler for vhost-user serving: queue 0 delivers
// host frames into guest receive buffers, queue 1 drains guest transmit
// frames into a FrameSink. Transmit frames are decoded as ethernet for trace
// logging.
type Net struct {
	mac  [6]byte
	sink FrameSink
	log  *slog.Logger

	mu      sync.Mutex
	rx      [][]byte
	notify  chan struct{}
	dropped uint64
}

// NewNet creates a net handler with the given MAC address. Guest TX frames go
// to sink.
func NewNet(mac [6]byte, sink FrameSink) *Net {
	return &Net{
		mac:    mac,
		sink:   sink,
		log:    slog.With("device", "virtio-net"),
		notify: make(chan struct{}, 1),
	}
}

func (n *Net) NumQueues() int             { return 2 }
func (n *Net) QueueMaxSize(int) uint16    { return netQueueSize }
func (n *Net) Features() uint64           { return NetFeatureMAC | NetFeatureStatus }
func (n *Net) WriteConfig(uint64, uint32) {}

func (n *Net) ConfigBytes() []byte {
	cfg := make([]byte, 8)
	copy(cfg, n.mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], netStatusLinkUp)
	return cfg
}

func (n *Net) Reset() {
	n.mu.Lock()
	n.rx = nil
	n.mu.Unlock()
}

// Deliver queues one frame for the guest. Called from the host network side.
func (n *Net) Deliver(frame []byte) {
	n.mu.Lock()
	n.rx = append(n.rx, append([]byte(nil), frame...))
	n.mu.Unlock()

	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Net) HandleChain(ctx context.Context, queue int, chain *virtio.Chain, mem hv.Memory) (uint32, error) {
	switch queue {
	case netRxQueue:
		return n.receive(ctx, chain, mem)
	case netTxQueue:
		return n.transmit(chain, mem)
	default:
		return 0, errors.Errorf("virtio-net has no queue %d", queue)
	}
}

// receive fills one guest buffer with the next pending frame, blocking until
// a frame arrives. Frames larger than the buffer are dropped rather than
// truncated.
func (n *Net) receive(ctx context.Context, chain *virtio.Chain, mem hv.Memory) (uint32, error) {
	for {
		n.mu.Lock()
		for len(n.rx) > 0 {
			frame := n.rx[0]
			if uint32(netHdrSize+len(frame)) > chain.WritableLen() {
				n.rx = n.rx[1:]
				n.dropped++
				n.log.Warn("dropping oversized frame", "len", len(frame), "buffer", chain.WritableLen())
				continue
			}
			n.rx = n.rx[1:]
			n.mu.Unlock()

			w := chain.Writer(mem)
			header := make([]byte, netHdrSize)
			binary.LittleEndian.PutUint16(header[10:12], 1) // num_buffers
			if _, err := w.Write(header); err != nil {
				return uint32(w.BytesWritten()), err
			}
			if _, err := w.Write(frame); err != nil {
				return uint32(w.BytesWritten()), err
			}
			return uint32(w.BytesWritten()), nil
		}
		n.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-n.notify:
		}
	}
}

// transmit strips the virtio-net header and forwards the frame.
func (n *Net) transmit(chain *virtio.Chain, mem hv.Memory) (uint32, error) {
	r := chain.Reader(mem)
	if err := r.Skip(netHdrSize); err != nil {
		return 0, errors.Wrap(err, "transmit header")
	}
	frame := make([]byte, r.Remaining())
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, errors.Wrap(err, "transmit frame")
	}

	n.traceFrame(frame)
	if n.sink != nil {
		if err := n.sink.SendFrame(frame); err != nil {
			return 0, errors.Wrap(err, "frame sink")
		}
	}
	return 0, nil
}

// traceFrame logs the ethernet envelope of a transmit frame at debug level.
func (n *Net) traceFrame(frame []byte) {
	if !n.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		n.log.Debug("tx frame (not ethernet)", "len", len(frame))
		return
	}
	n.log.Debug("tx frame",
		"src", eth.SrcMAC.String(),
		"dst", eth.DstMAC.String(),
		"ethertype", eth.EthernetType.String(),
		"len", len(frame))
}

// DroppedFrames reports how many receive frames were discarded for want of a
// large enough guest buffer.
func (n *Net) DroppedFrames() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
