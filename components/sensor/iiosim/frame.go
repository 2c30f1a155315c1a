package iiosim

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// MarkerA opens every streamed frame.
	MarkerA uint32 = 0xdeadbeef
	// MarkerB closes the data words of every streamed frame.
	MarkerB uint32 = 0x1badface

	// DataBytes is the size of the four data words of a frame.
	DataBytes = 4 * 4
	// TimestampBytes is the size of the timestamp following the data words.
	TimestampBytes = 8
	// FrameSize is the size of one encoded frame.
	FrameSize = DataBytes + TimestampBytes
)

// Frame is one streamed sample: MarkerA, the counter twice, MarkerB, then a nanosecond
// timestamp.
type Frame struct {
	Fields    [4]uint32
	Timestamp int64
}

// Generate builds the frame for counter value c taken at timestamp ts.
func Generate(c uint32, ts int64) Frame {
	return Frame{
		Fields:    [4]uint32{MarkerA, c, c, MarkerB},
		Timestamp: ts,
	}
}

// Counter returns the counter value the frame carries.
func (f Frame) Counter() uint32 {
	return f.Fields[1]
}

// Validate checks the markers and that both counter copies agree.
func (f Frame) Validate() error {
	if f.Fields[0] != MarkerA {
		return errors.Errorf("bad start marker %#08x", f.Fields[0])
	}
	if f.Fields[3] != MarkerB {
		return errors.Errorf("bad end marker %#08x", f.Fields[3])
	}
	if f.Fields[1] != f.Fields[2] {
		return errors.Errorf("counter copies differ: %d != %d", f.Fields[1], f.Fields[2])
	}
	return nil
}

// AppendBinary appends the little endian wire form of f to b.
func (f Frame) AppendBinary(b []byte) ([]byte, error) {
	for _, field := range f.Fields {
		b = binary.LittleEndian.AppendUint32(b, field)
	}
	return binary.LittleEndian.AppendUint64(b, uint64(f.Timestamp)), nil
}

// MarshalBinary returns the FrameSize byte wire form of f.
func (f Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, FrameSize))
}

// UnmarshalBinary decodes a frame produced by MarshalBinary.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) != FrameSize {
		return errors.Errorf("frame is %d bytes, want %d", len(data), FrameSize)
	}
	for i := range f.Fields {
		f.Fields[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	f.Timestamp = int64(binary.LittleEndian.Uint64(data[DataBytes:]))
	return nil
}

// DecodeFrame is a convenience wrapper around UnmarshalBinary.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := f.UnmarshalBinary(data)
	return f, err
}
