package virtio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/virtkit/virtkit/internal/hv"
)

// QueueWorker drives one virtqueue on its own goroutine. Notifications arrive
// through Kick, which never blocks the caller: the channel holds a single
// token and the worker drains the whole ring per wakeup, so coalesced kicks
// are free.
type QueueWorker struct {
	name      string
	index     int
	queue     *Queue
	handler   DeviceHandler
	mem       hv.Memory
	interrupt Interrupt
	log       *slog.Logger

	kick chan struct{}

	// mu guards the lifecycle state: a vCPU status write and a control-plane
	// Sleep may both reach Stop at the same time.
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewQueueWorker builds a worker for the given queue. Start must be called
// before Kick has any effect.
func NewQueueWorker(name string, index int, queue *Queue, handler DeviceHandler, mem hv.Memory, interrupt Interrupt) *QueueWorker {
	return &QueueWorker{
		name:      name,
		index:     index,
		queue:     queue,
		handler:   handler,
		mem:       mem,
		interrupt: interrupt,
		log:       slog.With("device", name, "queue", index),
		kick:      make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine. Starting a running worker is a no-op.
func (w *QueueWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the worker and waits for it to finish the chain in flight. It
// is synchronous: when Stop returns, no goroutine touches the queue anymore,
// so the caller may snapshot or reset it. Concurrent Stops serialize.
func (w *QueueWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.running = false

	// Drop a stale token so a restart does not process a pre-stop kick.
	select {
	case <-w.kick:
	default:
	}
}

// Running reports whether the worker goroutine is live.
func (w *QueueWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Kick wakes the worker. Safe to call from any goroutine, including MMIO
// dispatch paths that must not block.
func (w *QueueWorker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *QueueWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		}
		w.drain(ctx)
	}
}

// drain processes every available chain, then closes the wakeup race: with
// event-idx the guest may publish a chain after the last Pop but before
// avail_event is updated, so availability is re-checked after publishing it.
func (w *QueueWorker) drain(ctx context.Context) {
	for {
		oldUsed := w.queue.NextUsed()

		for {
			if ctx.Err() != nil {
				return
			}
			chain, err := w.queue.Pop()
			if err != nil {
				var chainErr *ChainError
				if errors.As(err, &chainErr) {
					// The slot is consumed; give it back with nothing
					// written so the guest can reclaim the buffers.
					w.log.Warn("dropping malformed descriptor chain", "head", chainErr.Head, "err", chainErr.Err)
					if err := w.queue.AddUsed(chainErr.Head, 0); err != nil {
						w.log.Error("failed to return malformed chain", "err", err)
						return
					}
					continue
				}
				w.log.Error("virtqueue pop failed", "err", err)
				return
			}
			if chain == nil {
				break
			}

			written, err := w.handler.HandleChain(ctx, w.index, chain, w.mem)
			if err != nil {
				if ctx.Err() != nil {
					// Stopped mid-request. Rewind so the chain is delivered
					// again when the device resumes.
					w.queue.UndoPop()
					return
				}
				w.log.Error("request failed", "head", chain.Head, "err", err)
				written = 0
			}
			if err := w.queue.AddUsed(chain.Head, written); err != nil {
				w.log.Error("failed to publish used entry", "head", chain.Head, "err", err)
				return
			}
		}

		if w.queue.ShouldSignal(oldUsed) {
			if err := w.interrupt.SignalUsedQueue(w.index); err != nil {
				w.log.Error("used-queue signal failed", "err", err)
			}
		}

		if err := w.queue.SetAvailEvent(w.queue.NextAvail()); err != nil {
			w.log.Error("failed to publish avail event", "err", err)
			return
		}
		more, err := w.queue.HasAvailable()
		if err != nil || !more {
			return
		}
	}
}
