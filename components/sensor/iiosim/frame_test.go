package iiosim

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/iiosim/buffer"
)

func TestGenerate(t *testing.T) {
	f := Generate(7, 1500)
	test.That(t, f.Fields, test.ShouldResemble, [4]uint32{MarkerA, 7, 7, MarkerB})
	test.That(t, f.Timestamp, test.ShouldEqual, int64(1500))
	test.That(t, f.Counter(), test.ShouldEqual, uint32(7))
	test.That(t, f.Validate(), test.ShouldBeNil)
}

func TestFrameWireLayout(t *testing.T) {
	raw, err := Generate(0x01020304, 0x1122334455667788).MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, raw, test.ShouldHaveLength, FrameSize)
	test.That(t, raw, test.ShouldResemble, []byte{
		0xef, 0xbe, 0xad, 0xde,
		0x04, 0x03, 0x02, 0x01,
		0x04, 0x03, 0x02, 0x01,
		0xce, 0xfa, 0xad, 0x1b,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	})

	back, err := DecodeFrame(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, Generate(0x01020304, 0x1122334455667788))

	_, err = DecodeFrame(raw[:DataBytes])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameSizeMatchesChannel(t *testing.T) {
	test.That(t, Voltage0.ScanType.Bytes(), test.ShouldEqual, DataBytes)
	test.That(t, buffer.ExpectedFrameBytes(Voltage0.ScanType), test.ShouldEqual, FrameSize)
	test.That(t, Voltage0.ScanType.String(), test.ShouldEqual, "le:u32/32X4>>0")
}

func TestFrameValidate(t *testing.T) {
	f := Generate(3, 0)
	f.Fields[0] = 0
	test.That(t, f.Validate(), test.ShouldNotBeNil)

	f = Generate(3, 0)
	f.Fields[3] = MarkerA
	test.That(t, f.Validate(), test.ShouldNotBeNil)

	f = Generate(3, 0)
	f.Fields[2] = 4
	test.That(t, f.Validate().Error(), test.ShouldContainSubstring, "counter copies differ")
}
