// Package vhostuser re-hosts virtio device emulation in a separate process:
// a frontend VMM speaks the vhost-user control protocol over a unix socket
// while the device side here runs the rings against mmapped guest memory,
// kicked and signaling through eventfds.
package vhostuser

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Control message requests, frontend to backend.
const (
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqResetOwner          = 4
	ReqSetMemTable         = 5
	ReqSetLogBase          = 6
	ReqSetLogFD            = 7
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
)

// Header flag bits.
const (
	flagVersion1  = 0x1
	flagReply     = 0x4
	flagNeedReply = 0x8
)

// Protocol feature bits the backend offers.
const (
	ProtocolFeatureMQ       = uint64(1) << 0
	ProtocolFeatureReplyAck = uint64(1) << 3
)

const (
	headerSize = 12
	maxMsgSize = 4096
	maxFDs     = 16

	// An eventfd counter is always eight bytes.
	eventfdWidth = 8
)

// Header is the fixed 12-byte prefix of every control message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

// Message is one decoded control message with any passed file descriptors.
type Message struct {
	Header Header
	Body   []byte
	FDs    []int
}

func (m *Message) u64() (uint64, error) {
	if len(m.Body) < 8 {
		return 0, errors.Errorf("request %d: body is %d bytes, want 8", m.Header.Request, len(m.Body))
	}
	return binary.LittleEndian.Uint64(m.Body), nil
}

// VringState is the payload of SET_VRING_NUM/BASE/ENABLE and the
// GET_VRING_BASE reply.
type VringState struct {
	Index uint32
	Num   uint32
}

func decodeVringState(body []byte) (VringState, error) {
	if len(body) < 8 {
		return VringState{}, errors.Errorf("vring state body is %d bytes, want 8", len(body))
	}
	return VringState{
		Index: binary.LittleEndian.Uint32(body[0:4]),
		Num:   binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

func (s VringState) encode() []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], s.Index)
	binary.LittleEndian.PutUint32(body[4:8], s.Num)
	return body
}

// VringAddr is the payload of SET_VRING_ADDR. The ring addresses are frontend
// virtual addresses and must be translated through the memory table.
type VringAddr struct {
	Index      uint32
	Flags      uint32
	Descriptor uint64
	Used       uint64
	Available  uint64
	Log        uint64
}

func decodeVringAddr(body []byte) (VringAddr, error) {
	if len(body) < 40 {
		return VringAddr{}, errors.Errorf("vring addr body is %d bytes, want 40", len(body))
	}
	return VringAddr{
		Index:      binary.LittleEndian.Uint32(body[0:4]),
		Flags:      binary.LittleEndian.Uint32(body[4:8]),
		Descriptor: binary.LittleEndian.Uint64(body[8:16]),
		Used:       binary.LittleEndian.Uint64(body[16:24]),
		Available:  binary.LittleEndian.Uint64(body[24:32]),
		Log:        binary.LittleEndian.Uint64(body[32:40]),
	}, nil
}

// MemoryRegion describes one guest memory region in SET_MEM_TABLE.
type MemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

const memoryRegionSize = 32

func decodeMemoryRegions(body []byte) ([]MemoryRegion, error) {
	if len(body) < 8 {
		return nil, errors.Errorf("mem table body is %d bytes", len(body))
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	body = body[8:] // count + padding
	if uint64(len(body)) < uint64(n)*memoryRegionSize {
		return nil, errors.Errorf("mem table declares %d regions but carries %d bytes", n, len(body))
	}
	regions := make([]MemoryRegion, n)
	for i := range regions {
		off := i * memoryRegionSize
		regions[i] = MemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(body[off : off+8]),
			Size:          binary.LittleEndian.Uint64(body[off+8 : off+16]),
			UserAddr:      binary.LittleEndian.Uint64(body[off+16 : off+24]),
			MmapOffset:    binary.LittleEndian.Uint64(body[off+24 : off+32]),
		}
	}
	return regions, nil
}

// conn reads and writes control messages on a connected unix socket fd.
type conn struct {
	fd int
}

// readMsg reads one control message, collecting any SCM_RIGHTS descriptors
// that ride along with the header.
func (c *conn) readMsg() (*Message, error) {
	buf := make([]byte, headerSize+maxMsgSize)
	oob := make([]byte, unix.CmsgSpace(4*maxFDs))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf[:headerSize], oob, 0)
	if err != nil {
		return nil, errors.Wrap(err, "recvmsg")
	}
	if n == 0 {
		return nil, errors.New("connection closed")
	}
	if n < headerSize {
		return nil, errors.Errorf("short header: %d bytes", n)
	}

	msg := &Message{
		Header: Header{
			Request: binary.LittleEndian.Uint32(buf[0:4]),
			Flags:   binary.LittleEndian.Uint32(buf[4:8]),
			Size:    binary.LittleEndian.Uint32(buf[8:12]),
		},
	}
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, errors.Wrap(err, "parse control message")
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			msg.FDs = append(msg.FDs, fds...)
		}
	}

	if msg.Header.Size > maxMsgSize {
		return nil, errors.Errorf("oversized body: %d bytes", msg.Header.Size)
	}
	if msg.Header.Size > 0 {
		body := make([]byte, msg.Header.Size)
		if err := readFull(c.fd, body); err != nil {
			return nil, errors.Wrap(err, "read body")
		}
		msg.Body = body
	}
	return msg, nil
}

func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("connection closed mid-body")
		}
		buf = buf[n:]
	}
	return nil
}

// writeReply sends a reply carrying body for the given request.
func (c *conn) writeReply(request uint32, body []byte) error {
	msg := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(msg[0:4], request)
	binary.LittleEndian.PutUint32(msg[4:8], flagVersion1|flagReply)
	binary.LittleEndian.PutUint32(msg[8:12], uint32(len(body)))
	copy(msg[headerSize:], body)

	for len(msg) > 0 {
		n, err := unix.Write(c.fd, msg)
		if err != nil {
			return errors.Wrap(err, "write reply")
		}
		msg = msg[n:]
	}
	return nil
}

func (c *conn) writeReplyU64(request uint32, value uint64) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, value)
	return c.writeReply(request, body)
}
