package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/virtkit/virtkit/internal/hv"
)

// Block request types.
const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8
)

// Block request status bytes.
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Block feature bits.
const (
	BlkFeatureReadOnly = uint64(1) << 5
	BlkFeatureFlush    = uint64(1) << 9
)

const (
	blkSectorSize = 512
	blkIDLen      = 20
	blkQueueSize  = 256
)

// BlockBackend stores the disk contents. File and memory implementations both
// fit; Sync is called for guest flush requests.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
}

// Blk is the virtio-blk device handler: a single request queue carrying
// read/write/flush commands against a BlockBackend.
type Blk struct {
	backend  BlockBackend
	serial   string
	readOnly bool
	log      *slog.Logger

	config [8]byte
}

// NewBlk creates a block device over backend. The backend size is fixed at
// creation and rounded down to a whole sector.
func NewBlk(backend BlockBackend, serial string, readOnly bool) (*Blk, error) {
	size, err := backend.Size()
	if err != nil {
		return nil, fmt.Errorf("virtio: blk backend size: %w", err)
	}
	b := &Blk{
		backend:  backend,
		serial:   serial,
		readOnly: readOnly,
		log:      slog.With("device", "virtio-blk"),
	}
	binary.LittleEndian.PutUint64(b.config[:], uint64(size)/blkSectorSize)
	return b, nil
}

func (b *Blk) NumQueues() int             { return 1 }
func (b *Blk) QueueMaxSize(int) uint16    { return blkQueueSize }
func (b *Blk) ConfigBytes() []byte        { return b.config[:] }
func (b *Blk) WriteConfig(uint64, uint32) {}
func (b *Blk) Reset()                     {}

func (b *Blk) Features() uint64 {
	features := BlkFeatureFlush
	if b.readOnly {
		features |= BlkFeatureReadOnly
	}
	return features
}

// blkReqHeader is the 16-byte request prefix in the first readable span.
type blkReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// HandleChain executes one block request. The chain layout is header
// (readable), data (readable for writes, writable for reads), then a single
// writable status byte. The status byte is always written, even for failed or
// unknown requests.
func (b *Blk) HandleChain(_ context.Context, _ int, chain *Chain, mem hv.Memory) (uint32, error) {
	r := chain.Reader(mem)
	w := chain.Writer(mem)

	if chain.WritableLen() == 0 {
		return 0, fmt.Errorf("virtio: blk request without status byte")
	}

	var header blkReqHeader
	if err := r.ReadObj(&header); err != nil {
		return 0, fmt.Errorf("virtio: blk request header: %w", err)
	}

	status := b.execute(&header, r, w)

	// Pad the data area so the status byte lands in the final writable byte.
	for w.Remaining() > 1 {
		n := w.Remaining() - 1
		if n > blkSectorSize {
			n = blkSectorSize
		}
		if _, err := w.Write(make([]byte, n)); err != nil {
			return uint32(w.BytesWritten()), err
		}
	}
	if _, err := w.Write([]byte{status}); err != nil {
		return uint32(w.BytesWritten()), err
	}
	return uint32(w.BytesWritten()), nil
}

// execute runs the request body, producing any response data into w, and
// returns the status byte.
func (b *Blk) execute(header *blkReqHeader, r *Reader, w *Writer) byte {
	offset := int64(header.Sector) * blkSectorSize

	switch header.Type {
	case blkTIn:
		dataLen := w.Remaining() - 1
		if dataLen == 0 {
			return blkSOK
		}
		buf := make([]byte, dataLen)
		if _, err := b.backend.ReadAt(buf, offset); err != nil {
			b.log.Warn("read failed", "sector", header.Sector, "len", dataLen, "err", err)
			return blkSIOErr
		}
		if _, err := w.Write(buf); err != nil {
			return blkSIOErr
		}
		return blkSOK

	case blkTOut:
		if b.readOnly {
			return blkSIOErr
		}
		buf := make([]byte, r.Remaining())
		if _, err := io.ReadFull(r, buf); err != nil {
			return blkSIOErr
		}
		if _, err := b.backend.WriteAt(buf, offset); err != nil {
			b.log.Warn("write failed", "sector", header.Sector, "len", len(buf), "err", err)
			return blkSIOErr
		}
		return blkSOK

	case blkTFlush:
		if err := b.backend.Sync(); err != nil {
			b.log.Warn("flush failed", "err", err)
			return blkSIOErr
		}
		return blkSOK

	case blkTGetID:
		id := make([]byte, blkIDLen)
		copy(id, b.serial)
		if _, err := w.Write(id); err != nil {
			return blkSIOErr
		}
		return blkSOK

	default:
		b.log.Warn("unsupported request", "type", header.Type)
		return blkSUnsupp
	}
}
