// Package buffer describes the consumer side of a streaming device: the sink that frames are
// pushed into, the channel selection a consumer negotiates, and a bounded in-memory FIFO that
// implements both.
package buffer

import (
	"math/bits"

	"github.com/pkg/errors"
)

var (
	// ErrBufferFull is returned by Push when the sink has no room for another frame. The frame is
	// dropped.
	ErrBufferFull = errors.New("buffer full")
	// ErrClosed is returned by operations on a closed sink.
	ErrClosed = errors.New("buffer closed")
)

// Sink is what a producer sees of an attached consumer.
type Sink interface {
	// Push stores one frame. frame is only valid during the call, so a sink that keeps it must
	// copy it. A failed push drops that frame only.
	Push(frame []byte) error
	// ActiveChannelMask reports which channels the consumer wants. ok is false until the
	// consumer has negotiated a selection.
	ActiveChannelMask() (mask ChannelMask, ok bool)
	// ExpectedFrameBytes is the size of one frame, data plus timestamp, that the consumer
	// negotiated.
	ExpectedFrameBytes() int
}

// ChannelMask is a set of scan indices.
type ChannelMask uint64

// MaskOf returns a mask with the given scan indices set.
func MaskOf(indices ...int) ChannelMask {
	var m ChannelMask
	for _, idx := range indices {
		m = m.Set(idx)
	}
	return m
}

// Set returns a copy of m with idx set. Indices outside [0, 64) are ignored.
func (m ChannelMask) Set(idx int) ChannelMask {
	if idx < 0 || idx >= 64 {
		return m
	}
	return m | 1<<uint(idx)
}

// Has reports whether idx is set.
func (m ChannelMask) Has(idx int) bool {
	if idx < 0 || idx >= 64 {
		return false
	}
	return m&(1<<uint(idx)) != 0
}

// Empty reports whether no channel is selected.
func (m ChannelMask) Empty() bool {
	return m == 0
}

// Count returns the number of selected channels.
func (m ChannelMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Indices returns the selected scan indices in increasing order.
func (m ChannelMask) Indices() []int {
	out := make([]int, 0, m.Count())
	for rest := uint64(m); rest != 0; rest &= rest - 1 {
		out = append(out, bits.TrailingZeros64(rest))
	}
	return out
}
