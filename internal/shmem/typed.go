package shmem

import (
	"context"
	"math"
)

// Integer is the set of Go types with an integer element kind.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Number is the set of Go types with an element kind.
type Number interface {
	Integer | ~float32 | ~float64
}

// KindOf returns the element kind of V.
func KindOf[V Number]() Kind {
	var zero V
	switch any(zero).(type) {
	case int8:
		return KindInt8
	case int16:
		return KindInt16
	case int32:
		return KindInt32
	case int64:
		return KindInt64
	case uint8:
		return KindUint8
	case uint16:
		return KindUint16
	case uint32:
		return KindUint32
	case uint64:
		return KindUint64
	case float32:
		return KindFloat32
	case float64:
		return KindFloat64
	}
	return KindInvalid
}

func bitsOf[V Number](v V) uint64 {
	switch x := any(v).(type) {
	case float32:
		return uint64(math.Float32bits(x))
	case float64:
		return math.Float64bits(x)
	case int8:
		return uint64(x)
	case int16:
		return uint64(x)
	case int32:
		return uint64(x)
	case int64:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	}
	return 0
}

func fromBits[V Number](bits uint64) V {
	var zero V
	switch any(zero).(type) {
	case float32:
		return V(math.Float32frombits(uint32(bits)))
	case float64:
		return V(math.Float64frombits(bits))
	}
	k := KindOf[V]()
	if k == KindUint64 {
		return V(bits)
	}
	return V(k.ToInt(bits))
}

// EncodeSlice renders vals as little-endian element bytes.
func EncodeSlice[V Number](vals []V) []byte {
	k := KindOf[V]()
	size := k.Size()
	buf := make([]byte, size*len(vals))
	for i, v := range vals {
		k.PutBits(buf[i*size:], bitsOf(v))
	}
	return buf
}

// DecodeSlice reads little-endian element bytes as a slice of V.
func DecodeSlice[V Number](buf []byte) []V {
	k := KindOf[V]()
	size := k.Size()
	out := make([]V, len(buf)/size)
	for i := range out {
		out[i] = fromBits[V](k.Bits(buf[i*size:]))
	}
	return out
}

// MallocSlice allocates a symmetric buffer holding n elements of V.
func MallocSlice[V Number](ctx context.Context, lib Library, n int) (Sym, error) {
	return lib.Malloc(ctx, n*KindOf[V]().Size())
}

// PutSlice copies vals into dst on PE pe.
func PutSlice[V Number](ctx context.Context, lib Library, dst Sym, vals []V, pe int) error {
	return lib.Put(ctx, dst, EncodeSlice(vals), pe)
}

// GetSlice reads n elements of V from src on PE pe.
func GetSlice[V Number](ctx context.Context, lib Library, src Sym, n, pe int) ([]V, error) {
	buf := make([]byte, n*KindOf[V]().Size())
	if err := lib.Get(ctx, buf, src, pe); err != nil {
		return nil, err
	}
	return DecodeSlice[V](buf), nil
}

// AtomicFetchAdd adds v to the element at dst on PE pe and returns its prior value.
func AtomicFetchAdd[V Integer](ctx context.Context, lib Library, dst Sym, v V, pe int) (V, error) {
	old, err := lib.Atomic(ctx, AMOFetchAdd, KindOf[V](), dst, bitsOf(v), 0, pe)
	if err != nil {
		return 0, err
	}
	return fromBits[V](old), nil
}

// AtomicFetchInc increments the element at dst on PE pe and returns its prior value.
func AtomicFetchInc[V Integer](ctx context.Context, lib Library, dst Sym, pe int) (V, error) {
	return AtomicFetchAdd[V](ctx, lib, dst, 1, pe)
}

// AtomicFetch reads the element at dst on PE pe atomically.
func AtomicFetch[V Number](ctx context.Context, lib Library, dst Sym, pe int) (V, error) {
	k := KindOf[V]()
	old, err := lib.Atomic(ctx, AMOFetch, k, dst, 0, 0, pe)
	if err != nil {
		return 0, err
	}
	return fromBits[V](old), nil
}

// AtomicCompareSwap stores v at dst on PE pe if the element equals cond, returning the prior value.
func AtomicCompareSwap[V Integer](ctx context.Context, lib Library, dst Sym, cond, v V, pe int) (V, error) {
	old, err := lib.Atomic(ctx, AMOCompareSwap, KindOf[V](), dst, bitsOf(v), bitsOf(cond), pe)
	if err != nil {
		return 0, err
	}
	return fromBits[V](old), nil
}
