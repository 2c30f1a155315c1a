// Package reader consumes a simulator frame stream the way an acquisition client would: it
// checks every frame, watches the counter for gaps, and reports throughput.
package reader

import (
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/iiosim/components/sensor/iiosim"
)

// JumpKind says where a counter discontinuity was seen.
type JumpKind string

const (
	// JumpStart is a gap between the last frame of one read and the first frame of the next.
	// The very first frame is expected to carry counter 0.
	JumpStart JumpKind = "jump start"
	// JumpMid is a gap between two frames of the same read.
	JumpMid JumpKind = "jump mid"
)

// Jump is a counter discontinuity.
type Jump struct {
	Kind JumpKind
	// Prev is the counter before the gap, -1 if nothing had been read yet.
	Prev int64
	Got  uint32
}

func (j Jump) String() string {
	return fmt.Sprintf("%s %d -> %d", j.Kind, j.Prev, j.Got)
}

// Validator checks frames read in order from one stream.
type Validator struct {
	last   int64
	frames uint64
	jumps  uint64
	lastTS int64
}

// NewValidator returns a Validator expecting the stream to start at counter 0.
func NewValidator() *Validator {
	return &Validator{last: -1}
}

// Check decodes and validates one read worth of frames. A malformed frame is an error and
// stops the check; counter jumps are returned but do not fail the batch.
func (v *Validator) Check(batch [][]byte) ([]iiosim.Frame, []Jump, error) {
	frames := make([]iiosim.Frame, 0, len(batch))
	var jumps []Jump
	for i, raw := range batch {
		f, err := iiosim.DecodeFrame(raw)
		if err != nil {
			return frames, jumps, errors.Wrapf(err, "frame %d", v.frames)
		}
		if err := f.Validate(); err != nil {
			return frames, jumps, errors.Wrapf(err, "frame %d", v.frames)
		}
		if f.Timestamp < v.lastTS {
			return frames, jumps, errors.Errorf("frame %d: timestamp went backwards (%d < %d)", v.frames, f.Timestamp, v.lastTS)
		}

		if want := uint32(v.last + 1); f.Counter() != want {
			kind := JumpMid
			if i == 0 {
				kind = JumpStart
			}
			jumps = append(jumps, Jump{Kind: kind, Prev: v.last, Got: f.Counter()})
		}
		v.last = int64(f.Counter())
		v.lastTS = f.Timestamp
		v.frames++
		frames = append(frames, f)
	}
	v.jumps += uint64(len(jumps))
	return frames, jumps, nil
}

// Frames returns how many frames passed validation.
func (v *Validator) Frames() uint64 {
	return v.frames
}

// Jumps returns how many counter jumps were seen.
func (v *Validator) Jumps() uint64 {
	return v.jumps
}
