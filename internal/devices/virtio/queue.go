package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/virtkit/virtkit/internal/hv"
)

var (
	// ErrQueueNotReady is returned for ring operations before activation.
	ErrQueueNotReady = errors.New("virtio: queue not ready")

	// ErrChainTooLong is returned when walking a descriptor chain exceeds the
	// hop bound. Guests control the descriptor table, so a cyclic chain is an
	// attack, not a bug.
	ErrChainTooLong = errors.New("virtio: descriptor chain too long")
)

// ChainError reports a malformed descriptor chain along with the head index
// that was consumed from the available ring, so the caller can still
// acknowledge the slot with a zero-length used entry.
type ChainError struct {
	Head uint16
	Err  error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("virtio: bad descriptor chain at head %d: %v", e.Head, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// boundsChecker is implemented by memories that can validate a guest range up
// front (hv.GuestMemory, the vhost-user memory table). When absent, span
// errors surface on first access instead.
type boundsChecker interface {
	CheckRange(addr, length uint64) error
}

// Queue owns the device-side bookkeeping for one split virtqueue: where the
// rings live, how far consumption has progressed, and which ring features
// were negotiated. The guest-visible ring memory itself stays in guest
// memory and is re-read on every operation since the guest mutates it
// concurrently.
//
// A queue moves Uninitialized -> Activated (addresses and size set, ready) ->
// Running (a worker pops it) -> Stopped; Reset returns it to Uninitialized.
type Queue struct {
	mem hv.Memory

	size    uint16
	maxSize uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	nextAvail uint16
	nextUsed  uint16

	features uint64
}

// NewQueue creates an inactive queue bound to the given guest memory.
func NewQueue(mem hv.Memory, maxSize uint16) *Queue {
	return &Queue{mem: mem, maxSize: maxSize}
}

// Reset clears all ring state. The queue must be re-activated before use.
func (q *Queue) Reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.nextAvail = 0
	q.nextUsed = 0
}

// SetAddresses configures the ring locations in guest physical memory.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.descAddr = descAddr
	q.availAddr = availAddr
	q.usedAddr = usedAddr
}

// SetSize sets the ring size negotiated by the driver.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.maxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.maxSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	q.size = size
	return nil
}

// SetReady marks the queue activated. Readying an unsized queue fails.
func (q *Queue) SetReady(ready bool) error {
	if !ready {
		q.Reset()
		return nil
	}
	if q.size == 0 {
		return fmt.Errorf("virtio: queue readied before size was set")
	}
	q.ready = true
	return nil
}

// Ready reports whether the queue has been activated.
func (q *Queue) Ready() bool {
	return q.ready && q.size > 0
}

// Size returns the negotiated ring size.
func (q *Queue) Size() uint16 { return q.size }

// MaxSize returns the largest ring size the device supports.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// AckFeatures records the negotiated ring feature bits used by the
// notification-suppression logic.
func (q *Queue) AckFeatures(bits uint64) {
	q.features = bits
}

func (q *Queue) eventIdxEnabled() bool {
	return q.features&FeatureRingEventIdx != 0
}

func (q *Queue) indirectEnabled() bool {
	return q.features&FeatureRingIndirectDesc != 0
}

func (q *Queue) ensureReady() error {
	if q == nil || !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue has no guest memory")
	}
	return nil
}

// descriptor is the wire-level split-ring descriptor.
type descriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

// readDescriptorAt reads entry index from a descriptor table at tableAddr
// holding tableLen entries.
func (q *Queue) readDescriptorAt(tableAddr uint64, tableLen uint16, index uint16) (descriptor, error) {
	if index >= tableLen {
		return descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (table size %d)", index, tableLen)
	}
	var buf [descriptorSize]byte
	if err := q.readGuestInto(tableAddr+uint64(index)*descriptorSize, buf[:]); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availHeader reads the available ring's flags and index. The guest updates
// both concurrently, so callers must not cache the result.
func (q *Queue) availHeader() (flags uint16, idx uint16, err error) {
	var header [4]byte
	if err := q.readGuestInto(q.availAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

// HasAvailable reports whether Pop would return a chain.
func (q *Queue) HasAvailable() (bool, error) {
	if err := q.ensureReady(); err != nil {
		return false, err
	}
	_, idx, err := q.availHeader()
	if err != nil {
		return false, err
	}
	return idx != q.nextAvail, nil
}

// Pop consumes the next available descriptor chain. It returns (nil, nil)
// when the ring is empty: this is a poll, not a block. On a malformed chain
// the error is a *ChainError carrying the consumed head index; the avail slot
// has still been consumed and must be acknowledged by the caller.
func (q *Queue) Pop() (*Chain, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	_, availIdx, err := q.availHeader()
	if err != nil {
		return nil, err
	}
	if availIdx == q.nextAvail {
		return nil, nil
	}

	var slot [2]byte
	slotAddr := q.availAddr + 4 + uint64(q.nextAvail%q.size)*2
	if err := q.readGuestInto(slotAddr, slot[:]); err != nil {
		return nil, err
	}
	head := binary.LittleEndian.Uint16(slot[:])
	q.nextAvail++

	chain, err := q.walkChain(head)
	if err != nil {
		return nil, &ChainError{Head: head, Err: err}
	}
	return chain, nil
}

// walkChain follows NEXT/INDIRECT links from head, accumulating the
// device-readable and device-writable spans. The total number of descriptors
// visited is bounded by the ring size; guests presenting cycles or runaway
// chains get an error, not an infinite loop.
func (q *Queue) walkChain(head uint16) (*Chain, error) {
	chain := &Chain{Head: head}
	budget := int(q.size)

	var walk func(tableAddr uint64, tableLen uint16, index uint16, indirect bool) error
	walk = func(tableAddr uint64, tableLen uint16, index uint16, indirect bool) error {
		for {
			if budget == 0 {
				return ErrChainTooLong
			}
			budget--

			desc, err := q.readDescriptorAt(tableAddr, tableLen, index)
			if err != nil {
				return err
			}

			if desc.flags&virtqDescFIndirect != 0 {
				if indirect {
					return fmt.Errorf("virtio: nested indirect descriptor")
				}
				if !q.indirectEnabled() {
					return fmt.Errorf("virtio: indirect descriptor without negotiation")
				}
				if desc.length == 0 || desc.length%descriptorSize != 0 {
					return fmt.Errorf("virtio: indirect table length %d not a descriptor multiple", desc.length)
				}
				entries := desc.length / descriptorSize
				if entries > uint32(math.MaxUint16) {
					return ErrChainTooLong
				}
				if err := walk(desc.addr, uint16(entries), 0, true); err != nil {
					return err
				}
			} else {
				if err := q.checkSpan(desc.addr, desc.length); err != nil {
					return err
				}
				s := span{addr: desc.addr, length: desc.length}
				if desc.flags&virtqDescFWrite != 0 {
					chain.writable = append(chain.writable, s)
				} else {
					if len(chain.writable) != 0 {
						return fmt.Errorf("virtio: readable descriptor after writable descriptor")
					}
					chain.readable = append(chain.readable, s)
				}
			}

			if desc.flags&virtqDescFNext == 0 {
				return nil
			}
			index = desc.next
		}
	}

	if err := walk(q.descAddr, q.size, head, false); err != nil {
		return nil, err
	}
	return chain, nil
}

func (q *Queue) checkSpan(addr uint64, length uint32) error {
	if length == 0 {
		return nil
	}
	if bc, ok := q.mem.(boundsChecker); ok {
		return bc.CheckRange(addr, uint64(length))
	}
	return nil
}

// AddUsed publishes a used-ring entry for the chain with the given head. The
// entry bytes are written before the ring index so the guest can never
// observe an index covering an unwritten entry.
func (q *Queue) AddUsed(id uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	var entry [usedElemSize]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(id))
	binary.LittleEndian.PutUint32(entry[4:8], written)
	entryAddr := q.usedAddr + 4 + uint64(q.nextUsed%q.size)*usedElemSize
	if err := q.writeGuestFrom(entryAddr, entry[:]); err != nil {
		return err
	}

	q.nextUsed++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.nextUsed)
	return q.writeGuestFrom(q.usedAddr+2, idx[:])
}

// SetBase seeds the avail consumption index, used when inheriting a live ring
// from another process.
func (q *Queue) SetBase(availIdx uint16) {
	q.nextAvail = availIdx
}

// Base returns the avail consumption index to hand back when the ring is
// reclaimed.
func (q *Queue) Base() uint16 {
	return q.nextAvail
}

// LoadUsedIdx re-reads the published used index from the ring so AddUsed
// continues where the previous ring owner stopped. The ring addresses must be
// set; readiness is not required yet.
func (q *Queue) LoadUsedIdx() error {
	if q.mem == nil || q.usedAddr == 0 {
		return nil
	}
	var buf [2]byte
	if err := q.readGuestInto(q.usedAddr+2, buf[:]); err != nil {
		return err
	}
	q.nextUsed = binary.LittleEndian.Uint16(buf[:])
	return nil
}

// UndoPop rewinds the last Pop so its chain is delivered again. Used when a
// worker is stopped mid-request and the chain must survive a snapshot.
func (q *Queue) UndoPop() {
	q.nextAvail--
}

// NextUsed returns the device's private used index (the next value to be
// published).
func (q *Queue) NextUsed() uint16 { return q.nextUsed }

// NextAvail returns the device's private avail consumption index.
func (q *Queue) NextAvail() uint16 { return q.nextAvail }

// usedEvent reads the guest-written used_event field at the tail of the
// available ring.
func (q *Queue) usedEvent() (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(q.availAddr+4+uint64(q.size)*2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// SetAvailEvent publishes the device's avail_event field at the tail of the
// used ring, telling the guest how far it may publish before the next kick is
// needed. A no-op unless VIRTIO_F_EVENT_IDX was negotiated.
func (q *Queue) SetAvailEvent(value uint16) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	if !q.eventIdxEnabled() {
		return nil
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(q.usedAddr+4+uint64(q.size)*usedElemSize, buf[:])
}

// ShouldSignal decides whether the guest wants an interrupt for the used
// entries published since oldUsed.
//
// With VIRTIO_F_EVENT_IDX the guest's used_event must fall inside
// (oldUsed, nextUsed]; without it, only the VIRTQ_AVAIL_F_NO_INTERRUPT hint
// suppresses. Errors reading the suppression fields fail open: the guest is
// signaled rather than starved.
func (q *Queue) ShouldSignal(oldUsed uint16) bool {
	if err := q.ensureReady(); err != nil {
		return false
	}
	if q.nextUsed == oldUsed {
		return false
	}

	if q.eventIdxEnabled() {
		event, err := q.usedEvent()
		if err != nil {
			return true
		}
		return vringNeedEvent(event, q.nextUsed, oldUsed)
	}

	flags, _, err := q.availHeader()
	if err != nil {
		return true
	}
	return flags&virtqAvailFNoInterrupt == 0
}

// vringNeedEvent is the virtio 1.0 event-index predicate: signal when event
// falls in the half-open window of newly published indices, with mod-2^16
// wrap handled by unsigned subtraction.
func vringNeedEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// Snapshot captures the queue bookkeeping. Only valid while no worker owns
// the queue.
func (q *Queue) Snapshot() QueueSnapshot {
	return QueueSnapshot{
		Size:      q.size,
		MaxSize:   q.maxSize,
		Ready:     q.ready,
		DescAddr:  q.descAddr,
		AvailAddr: q.availAddr,
		UsedAddr:  q.usedAddr,
		NextAvail: q.nextAvail,
		NextUsed:  q.nextUsed,
		Features:  q.features,
	}
}

// RestoreSnapshot replaces the queue bookkeeping with the captured state.
func (q *Queue) RestoreSnapshot(snap QueueSnapshot) {
	q.size = snap.Size
	q.maxSize = snap.MaxSize
	q.ready = snap.Ready
	q.descAddr = snap.DescAddr
	q.availAddr = snap.AvailAddr
	q.usedAddr = snap.UsedAddr
	q.nextAvail = snap.NextAvail
	q.nextUsed = snap.NextUsed
	q.features = snap.Features
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}

func (q *Queue) readGuestInto(addr uint64, buf []byte) error {
	return readGuestInto(q.mem, addr, buf)
}

func (q *Queue) writeGuestFrom(addr uint64, data []byte) error {
	return writeGuestFrom(q.mem, addr, data)
}

func readGuestInto(mem hv.Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuestFrom(mem hv.Memory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}
