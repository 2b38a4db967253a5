package framer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/schema"
)

const (
	// DefaultMaxQueuedMessages bounds frames waiting for the child to drain stdin.
	DefaultMaxQueuedMessages = 1024
	// DefaultMaxQueuedBytes bounds the bytes of frames waiting for the child.
	DefaultMaxQueuedBytes = 32 << 20
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("framer writer closed")

// Writer serializes outbound envelopes into a bounded FIFO queue that a single
// Drain loop writes to the child's stdin. Enqueue never blocks, so a child that
// stops reading cannot stall the callers.
type Writer struct {
	mux         sync.Mutex
	queue       [][]byte
	queuedBytes int
	maxMessages int
	maxBytes    int
	signal      chan struct{}
	generation  uint64
	closed      bool
}

// Enqueue appends env to the outbound queue.
func (w *Writer) Enqueue(env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	data = append(data, '\n')
	w.mux.Lock()
	defer w.mux.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(w.queue) >= w.maxMessages || w.queuedBytes+len(data) > w.maxBytes {
		return schema.ErrOutboundSaturation
	}
	w.queue = append(w.queue, data)
	w.queuedBytes += len(data)
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

// Drain writes queued frames to dst until ctx is done, the writer is closed
// or a write fails. Frames still queued when Drain returns are kept for the
// next Drain call unless Reset is called.
func (w *Writer) Drain(ctx context.Context, dst io.Writer) error {
	for {
		frame, generation, ok := w.next()
		if !ok {
			if w.isClosed() {
				return ErrClosed
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.signal:
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := dst.Write(frame); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		w.pop(generation, len(frame))
	}
}

func (w *Writer) next() ([]byte, uint64, bool) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if len(w.queue) == 0 {
		return nil, w.generation, false
	}
	return w.queue[0], w.generation, true
}

// pop removes the head frame unless Reset ran while it was being written.
func (w *Writer) pop(generation uint64, size int) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if generation != w.generation || len(w.queue) == 0 {
		return
	}
	w.queue[0] = nil
	w.queue = w.queue[1:]
	w.queuedBytes -= size
}

func (w *Writer) isClosed() bool {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.closed
}

// Reset discards every queued frame and returns how many were dropped.
func (w *Writer) Reset() int {
	w.mux.Lock()
	defer w.mux.Unlock()
	dropped := len(w.queue)
	w.generation++
	w.queue = nil
	w.queuedBytes = 0
	return dropped
}

// Len returns the queued message and byte counts.
func (w *Writer) Len() (messages, size int) {
	w.mux.Lock()
	defer w.mux.Unlock()
	return len(w.queue), w.queuedBytes
}

// Close rejects further frames and wakes a blocked Drain.
func (w *Writer) Close() {
	w.mux.Lock()
	w.closed = true
	w.mux.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// NewWriter creates a writer with the given bounds; non-positive values select the defaults.
func NewWriter(maxMessages, maxBytes int) *Writer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxQueuedMessages
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxQueuedBytes
	}
	return &Writer{
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
		signal:      make(chan struct{}, 1),
	}
}
