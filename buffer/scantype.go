package buffer

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Endianness of a scan element.
type Endianness string

const (
	// LittleEndian scan elements.
	LittleEndian Endianness = "le"
	// BigEndian scan elements.
	BigEndian Endianness = "be"
)

// ScanType is the storage format of one scan element, written as
//
//	<endian>:<sign><realbits>/<storagebits>[X<repeat>]>><shift>
//
// e.g. "le:u32/32X4>>0" for four unsigned 32 bit values.
type ScanType struct {
	Endianness  Endianness
	Signed      bool
	RealBits    int
	StorageBits int
	Repeat      int
	Shift       int
}

// TimestampScanType is the 64 bit signed nanosecond timestamp appended to every frame.
var TimestampScanType = ScanType{
	Endianness:  LittleEndian,
	Signed:      true,
	RealBits:    64,
	StorageBits: 64,
	Repeat:      1,
}

var scanTypeRegexp = regexp.MustCompile(
	`^(?P<endian>[^:]+):(?P<sign>[a-z]+)(?P<realbits>\d+)/(?P<storagebits>\d+)(?:X(?P<repeat>\d+))?(?:>>(?P<shift>\d+))?$`)

func (st ScanType) String() string {
	sign := 'u'
	if st.Signed {
		sign = 's'
	}
	repeat := ""
	if st.Repeat > 1 {
		repeat = fmt.Sprintf("X%d", st.Repeat)
	}
	return fmt.Sprintf("%s:%c%d/%d%s>>%d", st.Endianness, sign, st.RealBits, st.StorageBits, repeat, st.Shift)
}

// ElementBytes is the storage size of a single (non-repeated) value.
func (st ScanType) ElementBytes() int {
	return st.StorageBits / 8
}

// Bytes is the storage size of the whole scan element, repeats included.
func (st ScanType) Bytes() int {
	repeat := st.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return st.ElementBytes() * repeat
}

// ParseScanType parses the textual scan element format.
func ParseScanType(s string) (ScanType, error) {
	match := scanTypeRegexp.FindStringSubmatch(s)
	if match == nil {
		return ScanType{}, errors.Errorf("malformed scan type %q", s)
	}
	group := func(name string) string {
		return match[scanTypeRegexp.SubexpIndex(name)]
	}

	st := ScanType{Endianness: Endianness(group("endian")), Repeat: 1}
	switch st.Endianness {
	case LittleEndian, BigEndian:
	default:
		return ScanType{}, errors.Errorf("scan type %q: unknown endianness %q", s, st.Endianness)
	}
	switch group("sign") {
	case "u":
	case "s":
		st.Signed = true
	default:
		return ScanType{}, errors.Errorf("scan type %q: unknown sign %q", s, group("sign"))
	}

	var err error
	if st.RealBits, err = strconv.Atoi(group("realbits")); err != nil {
		return ScanType{}, errors.Wrapf(err, "scan type %q", s)
	}
	if st.StorageBits, err = strconv.Atoi(group("storagebits")); err != nil {
		return ScanType{}, errors.Wrapf(err, "scan type %q", s)
	}
	if st.StorageBits%8 != 0 || st.StorageBits == 0 || st.RealBits > st.StorageBits {
		return ScanType{}, errors.Errorf("scan type %q: bad bit widths", s)
	}
	if r := group("repeat"); r != "" {
		if st.Repeat, err = strconv.Atoi(r); err != nil {
			return ScanType{}, errors.Wrapf(err, "scan type %q", s)
		}
	}
	if sh := group("shift"); sh != "" {
		if st.Shift, err = strconv.Atoi(sh); err != nil {
			return ScanType{}, errors.Wrapf(err, "scan type %q", s)
		}
	}
	return st, nil
}

// FrameBytes returns the size of one frame made of the given elements in order. Every element
// starts at a multiple of its own value size, and the frame is padded to a multiple of the
// largest value size.
func FrameBytes(elements ...ScanType) int {
	size, largest := 0, 1
	for _, el := range elements {
		align := el.ElementBytes()
		if align < 1 {
			continue
		}
		if align > largest {
			largest = align
		}
		if rem := size % align; rem != 0 {
			size += align - rem
		}
		size += el.Bytes()
	}
	if rem := size % largest; rem != 0 {
		size += largest - rem
	}
	return size
}

// MarshalText implements encoding.TextMarshaler.
func (st ScanType) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (st *ScanType) UnmarshalText(text []byte) error {
	parsed, err := ParseScanType(string(text))
	if err != nil {
		return err
	}
	*st = parsed
	return nil
}

// ExpectedFrameBytes is the frame size a consumer selecting the given elements negotiates: the
// elements followed by TimestampScanType.
func ExpectedFrameBytes(elements ...ScanType) int {
	return FrameBytes(append(append([]ScanType{}, elements...), TimestampScanType)...)
}
