package vhostuser

import (
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtkit/virtkit/internal/devices/virtio"
)

// Feature bit the frontend sets to enable the protocol-features handshake.
const featureProtocolFeatures = uint64(1) << 30

// transportFeatures are offered on top of the handler's device features.
const transportFeatures = virtio.FeatureVersion1 |
	virtio.FeatureRingIndirectDesc |
	virtio.FeatureRingEventIdx |
	featureProtocolFeatures

// vringInvalidFD marks the fd in a SET_VRING_KICK/CALL payload as absent.
const vringInvalidFD = 0x100

// vring is the device-side state of one virtqueue under vhost-user control.
type vring struct {
	queue  *virtio.Queue
	worker *virtio.QueueWorker

	kickFile *os.File
	kickDone chan struct{}

	mu      sync.Mutex
	callFD  int
	enabled bool
}

// Device serves one virtio device over a vhost-user socket. The ring
// semantics are shared with the in-process transport: the same Queue and
// QueueWorker types run here, against mmapped frontend memory instead of
// local guest memory.
type Device struct {
	handler virtio.DeviceHandler
	log     *slog.Logger

	mu       sync.Mutex
	features uint64
	mem      *MemTable
	vrings   []*vring

	// protocolFeatures is only touched on the control goroutine.
	protocolFeatures uint64
}

// NewDevice wraps a device handler for vhost-user serving.
func NewDevice(handler virtio.DeviceHandler) *Device {
	d := &Device{
		handler: handler,
		log:     slog.With("component", "vhost-user"),
	}
	for i := 0; i < handler.NumQueues(); i++ {
		d.vrings = append(d.vrings, &vring{callFD: -1})
	}
	return d
}

// Serve accepts one frontend connection on the given socket path and handles
// control messages until the connection closes.
func (d *Device) Serve(path string) error {
	_ = os.Remove(path)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer l.Close()

	uc, err := l.AcceptUnix()
	if err != nil {
		return errors.Wrap(err, "accept")
	}
	defer uc.Close()

	f, err := uc.File()
	if err != nil {
		return errors.Wrap(err, "connection fd")
	}
	defer f.Close()

	return d.serveConn(&conn{fd: int(f.Fd())})
}

func (d *Device) serveConn(c *conn) error {
	defer d.teardown()
	for {
		msg, err := c.readMsg()
		if err != nil {
			return err
		}
		dispatchErr := d.dispatch(c, msg)
		if err := d.ackIfNeeded(c, msg, dispatchErr); err != nil {
			return err
		}
		if dispatchErr != nil {
			d.log.Error("control request failed", "request", msg.Header.Request, "err", dispatchErr)
			return dispatchErr
		}
	}
}

// repliesInline reports whether dispatching the request already writes a
// reply, which satisfies the need-reply flag on its own.
func repliesInline(request uint32) bool {
	switch request {
	case ReqGetFeatures, ReqGetProtocolFeatures, ReqGetQueueNum, ReqGetVringBase:
		return true
	}
	return false
}

// ackIfNeeded answers a need-reply flagged request with its u64 status once
// REPLY_ACK has been negotiated: zero for success, non-zero for failure.
// Without the ack a frontend that set the flag would wait forever.
func (d *Device) ackIfNeeded(c *conn, msg *Message, dispatchErr error) error {
	if msg.Header.Flags&flagNeedReply == 0 || repliesInline(msg.Header.Request) {
		return nil
	}
	if d.protocolFeatures&ProtocolFeatureReplyAck == 0 {
		return nil
	}
	var status uint64
	if dispatchErr != nil {
		status = 1
	}
	return c.writeReplyU64(msg.Header.Request, status)
}

func (d *Device) dispatch(c *conn, msg *Message) error {
	d.log.Debug("control request", "request", msg.Header.Request, "size", msg.Header.Size, "fds", len(msg.FDs))

	switch msg.Header.Request {
	case ReqGetFeatures:
		return c.writeReplyU64(msg.Header.Request, d.handler.Features()|transportFeatures)

	case ReqSetFeatures:
		features, err := msg.u64()
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.features = features
		for _, v := range d.vrings {
			if v.queue != nil {
				v.queue.AckFeatures(features)
			}
		}
		d.mu.Unlock()
		return nil

	case ReqGetProtocolFeatures:
		return c.writeReplyU64(msg.Header.Request, ProtocolFeatureMQ|ProtocolFeatureReplyAck)

	case ReqSetProtocolFeatures:
		features, err := msg.u64()
		if err != nil {
			return err
		}
		d.protocolFeatures = features
		return nil

	case ReqGetQueueNum:
		return c.writeReplyU64(msg.Header.Request, uint64(d.handler.NumQueues()))

	case ReqSetOwner, ReqResetOwner, ReqSetVringErr, ReqSetLogBase, ReqSetLogFD:
		closeFDs(msg.FDs)
		return nil

	case ReqSetMemTable:
		return d.setMemTable(msg)

	case ReqSetVringNum:
		state, err := decodeVringState(msg.Body)
		if err != nil {
			return err
		}
		v, err := d.vringAt(state.Index)
		if err != nil {
			return err
		}
		return v.queue.SetSize(uint16(state.Num))

	case ReqSetVringBase:
		state, err := decodeVringState(msg.Body)
		if err != nil {
			return err
		}
		v, err := d.vringAt(state.Index)
		if err != nil {
			return err
		}
		v.queue.SetBase(uint16(state.Num))
		return nil

	case ReqSetVringAddr:
		return d.setVringAddr(msg)

	case ReqSetVringKick:
		return d.setVringKick(msg)

	case ReqSetVringCall:
		return d.setVringCall(msg)

	case ReqSetVringEnable:
		state, err := decodeVringState(msg.Body)
		if err != nil {
			return err
		}
		v, err := d.vringAt(state.Index)
		if err != nil {
			return err
		}
		v.mu.Lock()
		v.enabled = state.Num != 0
		v.mu.Unlock()
		if v.worker != nil && state.Num != 0 {
			v.worker.Kick()
		}
		return nil

	case ReqGetVringBase:
		return d.getVringBase(c, msg)

	default:
		closeFDs(msg.FDs)
		d.log.Warn("unhandled control request", "request", msg.Header.Request)
		return nil
	}
}

// setMemTable mmaps the frontend's memory regions and builds the queues over
// them. Vring setup before the memory table is a protocol violation.
func (d *Device) setMemTable(msg *Message) error {
	regions, err := decodeMemoryRegions(msg.Body)
	if err != nil {
		closeFDs(msg.FDs)
		return err
	}
	table, err := NewMemTable(regions, msg.FDs)
	closeFDs(msg.FDs)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem != nil {
		d.mem.Close()
	}
	d.mem = table
	for i, v := range d.vrings {
		v.queue = virtio.NewQueue(table, d.handler.QueueMaxSize(i))
		v.queue.AckFeatures(d.features)
		v.worker = virtio.NewQueueWorker("vhost-user", i, v.queue, d.handler, table, (*callInterrupt)(d))
	}
	return nil
}

func (d *Device) vringAt(index uint32) (*vring, error) {
	if int(index) >= len(d.vrings) {
		return nil, errors.Errorf("vring index %d out of range", index)
	}
	v := d.vrings[index]
	if v.queue == nil {
		return nil, errors.Errorf("vring %d configured before SET_MEM_TABLE", index)
	}
	return v, nil
}

func (d *Device) setVringAddr(msg *Message) error {
	addr, err := decodeVringAddr(msg.Body)
	if err != nil {
		return err
	}
	v, err := d.vringAt(addr.Index)
	if err != nil {
		return err
	}

	d.mu.Lock()
	mem := d.mem
	d.mu.Unlock()

	desc, err := mem.TranslateUser(addr.Descriptor)
	if err != nil {
		return errors.Wrap(err, "descriptor table")
	}
	avail, err := mem.TranslateUser(addr.Available)
	if err != nil {
		return errors.Wrap(err, "available ring")
	}
	used, err := mem.TranslateUser(addr.Used)
	if err != nil {
		return errors.Wrap(err, "used ring")
	}

	v.queue.SetAddresses(desc, avail, used)
	// The frontend may hand over a ring with used entries already published.
	return v.queue.LoadUsedIdx()
}

// setVringKick receives the kick eventfd and activates the ring: from here on
// a watcher goroutine converts eventfd reads into worker kicks.
func (d *Device) setVringKick(msg *Message) error {
	payload, err := msg.u64()
	if err != nil {
		closeFDs(msg.FDs)
		return err
	}
	index := uint32(payload & 0xff)
	v, err := d.vringAt(index)
	if err != nil {
		closeFDs(msg.FDs)
		return err
	}

	d.stopVring(v)

	if payload&vringInvalidFD != 0 {
		return nil
	}
	if len(msg.FDs) != 1 {
		closeFDs(msg.FDs)
		return errors.Errorf("SET_VRING_KICK for ring %d carries %d fds, want 1", index, len(msg.FDs))
	}

	if err := v.queue.SetReady(true); err != nil {
		closeFDs(msg.FDs)
		return err
	}

	v.kickFile = os.NewFile(uintptr(msg.FDs[0]), "vhost-kick")
	v.kickDone = make(chan struct{})
	v.worker.Start()
	go d.watchKicks(index, v)
	return nil
}

// watchKicks parks on the kick eventfd and forwards each counter read to the
// worker. A read error means the fd was closed during teardown.
func (d *Device) watchKicks(index uint32, v *vring) {
	defer close(v.kickDone)
	buf := make([]byte, eventfdWidth)
	for {
		if _, err := v.kickFile.Read(buf); err != nil {
			return
		}
		v.mu.Lock()
		enabled := v.enabled
		v.mu.Unlock()
		if enabled {
			v.worker.Kick()
		}
	}
}

func (d *Device) setVringCall(msg *Message) error {
	payload, err := msg.u64()
	if err != nil {
		closeFDs(msg.FDs)
		return err
	}
	index := uint32(payload & 0xff)
	if int(index) >= len(d.vrings) {
		closeFDs(msg.FDs)
		return errors.Errorf("vring index %d out of range", index)
	}
	v := d.vrings[index]

	v.mu.Lock()
	if v.callFD >= 0 {
		_ = unix.Close(v.callFD)
		v.callFD = -1
	}
	if payload&vringInvalidFD == 0 && len(msg.FDs) == 1 {
		v.callFD = msg.FDs[0]
	} else {
		closeFDs(msg.FDs)
	}
	v.mu.Unlock()
	return nil
}

// getVringBase stops the ring and hands its avail index back to the frontend.
func (d *Device) getVringBase(c *conn, msg *Message) error {
	state, err := decodeVringState(msg.Body)
	if err != nil {
		return err
	}
	v, err := d.vringAt(state.Index)
	if err != nil {
		return err
	}

	d.stopVring(v)
	base := v.queue.Base()
	if err := v.queue.SetReady(false); err != nil {
		return err
	}
	return c.writeReply(msg.Header.Request, VringState{Index: state.Index, Num: uint32(base)}.encode())
}

// stopVring halts the worker and the kick watcher, in that order, and waits
// for both.
func (d *Device) stopVring(v *vring) {
	if v.worker != nil {
		v.worker.Stop()
	}
	if v.kickFile != nil {
		_ = v.kickFile.Close()
		<-v.kickDone
		v.kickFile = nil
		v.kickDone = nil
	}
}

func (d *Device) teardown() {
	for _, v := range d.vrings {
		d.stopVring(v)
		v.mu.Lock()
		if v.callFD >= 0 {
			_ = unix.Close(v.callFD)
			v.callFD = -1
		}
		v.mu.Unlock()
	}
	d.mu.Lock()
	if d.mem != nil {
		d.mem.Close()
		d.mem = nil
	}
	d.mu.Unlock()
	d.handler.Reset()
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// callInterrupt delivers used-queue signals by bumping the ring's call
// eventfd.
type callInterrupt Device

func (ci *callInterrupt) SignalUsedQueue(queue int) error {
	d := (*Device)(ci)
	if queue < 0 || queue >= len(d.vrings) {
		return errors.Errorf("no vring %d", queue)
	}
	v := d.vrings[queue]

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.callFD < 0 {
		return nil
	}
	var buf [eventfdWidth]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(v.callFD, buf[:]); err != nil {
		return errors.Wrap(err, "call eventfd")
	}
	return nil
}

func (ci *callInterrupt) SignalConfigChanged() error {
	// Config-change delivery needs the backend-to-frontend channel, which this
	// backend does not negotiate.
	return nil
}
