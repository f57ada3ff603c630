package shmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind identifies the element data shape of a symmetric buffer.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
)

var kindNames = map[Kind]string{
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
}

// Shape groups used by suites.
var (
	IntegerKinds = []Kind{KindInt8, KindInt16, KindInt32, KindInt64, KindUint8, KindUint16, KindUint32, KindUint64}
	FloatKinds   = []Kind{KindFloat32, KindFloat64}
	AllKinds     = append(append([]Kind{}, IntegerKinds...), FloatKinds...)

	// AtomicKinds are the shapes the standard AMO interfaces are defined for.
	AtomicKinds = []Kind{KindInt32, KindInt64, KindUint32, KindUint64}
)

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a shape name ("int32", "float64", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown shape %q", s)
}

// Size returns the element width in bytes.
func (k Kind) Size() int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether k is a signed integer shape.
func (k Kind) Signed() bool {
	return k >= KindInt8 && k <= KindInt64
}

// Float reports whether k is a floating point shape.
func (k Kind) Float() bool {
	return k == KindFloat32 || k == KindFloat64
}

// Valid reports whether k names a known shape.
func (k Kind) Valid() bool {
	return k.Size() > 0
}

// Bits returns the raw little-endian element at b[0:k.Size()] zero-extended to 64 bits.
func (k Kind) Bits(b []byte) uint64 {
	switch k.Size() {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// PutBits stores the low k.Size() bytes of v into b.
func (k Kind) PutBits(b []byte, v uint64) {
	switch k.Size() {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// FromInt converts an integer value into the bit pattern of an element of kind k.
// Integer shapes truncate; float shapes convert numerically.
func (k Kind) FromInt(v int64) uint64 {
	switch k {
	case KindFloat32:
		return uint64(math.Float32bits(float32(v)))
	case KindFloat64:
		return math.Float64bits(float64(v))
	default:
		return uint64(v)
	}
}

// ToInt converts an element bit pattern to int64, sign-extending signed shapes
// and truncating floats toward zero.
func (k Kind) ToInt(bits uint64) int64 {
	switch k {
	case KindInt8:
		return int64(int8(bits))
	case KindInt16:
		return int64(int16(bits))
	case KindInt32:
		return int64(int32(bits))
	case KindFloat32:
		return int64(math.Float32frombits(uint32(bits)))
	case KindFloat64:
		return int64(math.Float64frombits(bits))
	case KindUint8:
		return int64(uint8(bits))
	case KindUint16:
		return int64(uint16(bits))
	case KindUint32:
		return int64(uint32(bits))
	default:
		return int64(bits)
	}
}

// ToFloat converts an element bit pattern to float64.
func (k Kind) ToFloat(bits uint64) float64 {
	switch k {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(bits)))
	case KindFloat64:
		return math.Float64frombits(bits)
	case KindUint64:
		return float64(bits)
	default:
		return float64(k.ToInt(bits))
	}
}

// FromFloat converts a float64 into the bit pattern of an element of kind k.
func (k Kind) FromFloat(f float64) uint64 {
	switch k {
	case KindFloat32:
		return uint64(math.Float32bits(float32(f)))
	case KindFloat64:
		return math.Float64bits(f)
	case KindUint64:
		return uint64(f)
	default:
		return uint64(int64(f))
	}
}

// Encode renders integer values as a buffer of kind k elements.
func (k Kind) Encode(vals []int64) []byte {
	size := k.Size()
	buf := make([]byte, size*len(vals))
	for i, v := range vals {
		k.PutBits(buf[i*size:], k.FromInt(v))
	}
	return buf
}

// Decode reads a buffer of kind k elements back as int64 values.
func (k Kind) Decode(buf []byte) []int64 {
	size := k.Size()
	if size == 0 {
		return nil
	}
	out := make([]int64, len(buf)/size)
	for i := range out {
		out[i] = k.ToInt(k.Bits(buf[i*size:]))
	}
	return out
}
