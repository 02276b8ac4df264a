package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/virtkit/virtkit/internal/hv"
)

// span is a contiguous guest-physical range contributed by one descriptor.
type span struct {
	addr   uint64
	length uint32
}

// Chain is a fully walked descriptor chain: the device-readable spans
// followed by the device-writable spans, in descriptor order. The spans alias
// guest memory; the guest may scribble on them while the device works, so
// nothing here is re-validated after the walk.
type Chain struct {
	// Head is the index of the first descriptor, used to acknowledge the
	// chain on the used ring.
	Head uint16

	readable []span
	writable []span
}

// ReadableLen returns the total byte length of the device-readable spans.
func (c *Chain) ReadableLen() uint32 {
	var total uint32
	for _, s := range c.readable {
		total += s.length
	}
	return total
}

// WritableLen returns the total byte length of the device-writable spans.
func (c *Chain) WritableLen() uint32 {
	var total uint32
	for _, s := range c.writable {
		total += s.length
	}
	return total
}

// Reader returns an io.Reader over the chain's readable spans.
func (c *Chain) Reader(mem hv.Memory) *Reader {
	return &Reader{mem: mem, spans: c.readable}
}

// Writer returns an io.Writer over the chain's writable spans.
func (c *Chain) Writer(mem hv.Memory) *Writer {
	return &Writer{mem: mem, spans: c.writable}
}

// Reader streams the device-readable portion of a chain as one contiguous
// byte sequence, crossing descriptor boundaries transparently.
type Reader struct {
	mem   hv.Memory
	spans []span

	cur  int
	off  uint32
	read int
}

// Read implements io.Reader. It returns io.EOF once every readable span is
// exhausted.
func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		for r.cur < len(r.spans) && r.off == r.spans[r.cur].length {
			r.cur++
			r.off = 0
		}
		if r.cur == len(r.spans) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}

		s := r.spans[r.cur]
		n := s.length - r.off
		if uint32(len(p)) < n {
			n = uint32(len(p))
		}
		if err := readGuestInto(r.mem, s.addr+uint64(r.off), p[:n]); err != nil {
			return total, err
		}
		r.off += n
		r.read += int(n)
		total += int(n)
		p = p[n:]
	}
	return total, nil
}

// ReadObj decodes a little-endian fixed-size value from the stream.
func (r *Reader) ReadObj(obj any) error {
	return binary.Read(r, binary.LittleEndian, obj)
}

// Remaining returns how many readable bytes have not been consumed yet.
func (r *Reader) Remaining() uint32 {
	var rest uint32
	for i := r.cur; i < len(r.spans); i++ {
		rest += r.spans[i].length
	}
	if r.cur < len(r.spans) {
		rest -= r.off
	}
	return rest
}

// BytesRead returns the number of bytes consumed so far.
func (r *Reader) BytesRead() int { return r.read }

// Writer streams into the device-writable portion of a chain, crossing
// descriptor boundaries transparently. Writes beyond the chain's writable
// capacity fail with io.ErrShortWrite.
type Writer struct {
	mem   hv.Memory
	spans []span

	cur     int
	off     uint32
	written int
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		for w.cur < len(w.spans) && w.off == w.spans[w.cur].length {
			w.cur++
			w.off = 0
		}
		if w.cur == len(w.spans) {
			return total, io.ErrShortWrite
		}

		s := w.spans[w.cur]
		n := s.length - w.off
		if uint32(len(p)) < n {
			n = uint32(len(p))
		}
		if err := writeGuestFrom(w.mem, s.addr+uint64(w.off), p[:n]); err != nil {
			return total, err
		}
		w.off += n
		w.written += int(n)
		total += int(n)
		p = p[n:]
	}
	return total, nil
}

// WriteObj encodes a little-endian fixed-size value into the stream.
func (w *Writer) WriteObj(obj any) error {
	return binary.Write(w, binary.LittleEndian, obj)
}

// Remaining returns how many writable bytes are left.
func (w *Writer) Remaining() uint32 {
	var rest uint32
	for i := w.cur; i < len(w.spans); i++ {
		rest += w.spans[i].length
	}
	if w.cur < len(w.spans) {
		rest -= w.off
	}
	return rest
}

// BytesWritten returns the number of bytes produced so far. Device handlers
// report this as the used-ring length field.
func (w *Writer) BytesWritten() int { return w.written }

// Skip advances the reader without copying, for headers the handler does not
// care about.
func (r *Reader) Skip(n uint32) error {
	for n > 0 {
		for r.cur < len(r.spans) && r.off == r.spans[r.cur].length {
			r.cur++
			r.off = 0
		}
		if r.cur == len(r.spans) {
			return fmt.Errorf("virtio: skip past end of readable chain")
		}
		step := r.spans[r.cur].length - r.off
		if n < step {
			step = n
		}
		r.off += step
		r.read += int(step)
		n -= step
	}
	return nil
}
