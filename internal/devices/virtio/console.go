package virtio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/virtkit/virtkit/internal/hv"
)

const (
	consoleRxQueue = 0
	consoleTxQueue = 1

	consoleQueueSize = 64
)

// Console is the virtio-console device handler: queue 0 carries host-to-guest
// input into driver-posted buffers, queue 1 carries guest output.
//
// Input arrives through Write, which may run on any goroutine; the receive
// worker blocks inside HandleChain until input is pending, holding a
// driver-posted buffer ready. Output is written straight to out.
type Console struct {
	out io.Writer

	mu      sync.Mutex
	pending []byte
	notify  chan struct{}
}

// NewConsole creates a console whose guest output goes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:    out,
		notify: make(chan struct{}, 1),
	}
}

func (c *Console) NumQueues() int             { return 2 }
func (c *Console) QueueMaxSize(int) uint16    { return consoleQueueSize }
func (c *Console) Features() uint64           { return 0 }
func (c *Console) ConfigBytes() []byte        { return make([]byte, 8) }
func (c *Console) WriteConfig(uint64, uint32) {}

func (c *Console) Reset() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// Write implements io.Writer: queue host input for delivery to the guest.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.pending = append(c.pending, p...)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (c *Console) HandleChain(ctx context.Context, queue int, chain *Chain, mem hv.Memory) (uint32, error) {
	switch queue {
	case consoleRxQueue:
		return c.receive(ctx, chain, mem)
	case consoleTxQueue:
		return c.transmit(chain, mem)
	default:
		return 0, fmt.Errorf("virtio: console has no queue %d", queue)
	}
}

// receive fills a driver-posted buffer with pending input, blocking until
// some arrives.
func (c *Console) receive(ctx context.Context, chain *Chain, mem hv.Memory) (uint32, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			w := chain.Writer(mem)
			n := len(c.pending)
			if limit := int(chain.WritableLen()); n > limit {
				n = limit
			}
			if _, err := w.Write(c.pending[:n]); err != nil {
				c.mu.Unlock()
				return uint32(w.BytesWritten()), err
			}
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return uint32(n), nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.notify:
		}
	}
}

// transmit copies guest output to the host writer.
func (c *Console) transmit(chain *Chain, mem hv.Memory) (uint32, error) {
	r := chain.Reader(mem)
	if c.out == nil {
		return 0, nil
	}
	if _, err := io.Copy(c.out, r); err != nil {
		return 0, fmt.Errorf("virtio: console output: %w", err)
	}
	return 0, nil
}

// SnapshotState captures input queued but not yet delivered to the guest.
func (c *Console) SnapshotState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.pending))
	copy(out, c.pending)
	return out, nil
}

// RestoreState replaces the pending input buffer.
func (c *Console) RestoreState(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append([]byte(nil), data...)
	if len(c.pending) > 0 {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return nil
}
