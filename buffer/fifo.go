package buffer

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

const (
	// DefaultLength is the number of frames a FIFO holds when no length is given.
	DefaultLength = 32
	// MaxLength is the most frames a FIFO holds.
	MaxLength = 1 << 16
)

// FIFO is a bounded frame queue. Pushes never block: when the queue is full the new frame is
// dropped and ErrBufferFull is returned. Reads block until data is available.
type FIFO struct {
	id uuid.UUID

	mu     sync.Mutex
	frames [][]byte
	head   int
	count  int
	closed bool
	// notify has room for one pending wakeup. It is closed by Close.
	notify chan struct{}

	negotiated atomic.Bool
	mask       atomic.Uint64
	frameBytes atomic.Int64

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewFIFO returns an empty FIFO that holds up to length frames. length is clamped to
// MaxLength.
func NewFIFO(length int) *FIFO {
	if length <= 0 {
		length = DefaultLength
	}
	if length > MaxLength {
		length = MaxLength
	}
	return &FIFO{
		id:     uuid.New(),
		frames: make([][]byte, length),
		notify: make(chan struct{}, 1),
	}
}

// ID identifies this FIFO in logs.
func (f *FIFO) ID() uuid.UUID {
	return f.id
}

// Negotiate records the consumer's channel selection and the frame size it expects.
func (f *FIFO) Negotiate(mask ChannelMask, expectedFrameBytes int) {
	f.mask.Store(uint64(mask))
	f.frameBytes.Store(int64(expectedFrameBytes))
	f.negotiated.Store(true)
}

// ActiveChannelMask implements Sink.
func (f *FIFO) ActiveChannelMask() (ChannelMask, bool) {
	if !f.negotiated.Load() {
		return 0, false
	}
	return ChannelMask(f.mask.Load()), true
}

// ExpectedFrameBytes implements Sink.
func (f *FIFO) ExpectedFrameBytes() int {
	return int(f.frameBytes.Load())
}

// Push implements Sink. The frame is copied.
func (f *FIFO) Push(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.count == len(f.frames) {
		f.dropped.Inc()
		return ErrBufferFull
	}

	idx := (f.head + f.count) % len(f.frames)
	f.frames[idx] = append(f.frames[idx][:0], frame...)
	f.count++
	f.pushed.Inc()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

// Read removes and returns up to maxFrames frames, oldest first. It blocks until at least one frame is
// queued, the context is done, or the FIFO is closed. Once closed and drained it returns io.EOF.
func (f *FIFO) Read(ctx context.Context, maxFrames int) ([][]byte, error) {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	for {
		f.mu.Lock()
		if f.count > 0 {
			n := f.count
			if n > maxFrames {
				n = maxFrames
			}
			out := make([][]byte, n)
			for i := range out {
				slot := f.frames[f.head]
				out[i] = make([]byte, len(slot))
				copy(out[i], slot)
				f.head = (f.head + 1) % len(f.frames)
			}
			f.count -= n
			f.mu.Unlock()
			return out, nil
		}
		if f.closed {
			f.mu.Unlock()
			return nil, io.EOF
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.notify:
		}
	}
}

// Len returns the number of queued frames.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Cap returns the maximum number of queued frames.
func (f *FIFO) Cap() int {
	return len(f.frames)
}

// Stats returns how many frames were accepted and how many were dropped because the FIFO was full.
func (f *FIFO) Stats() (pushed, dropped uint64) {
	return f.pushed.Load(), f.dropped.Load()
}

// Close wakes any blocked reader. Frames already queued can still be read.
func (f *FIFO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.notify)
	return nil
}
