package shmem

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes library errors.
type ErrorCode string

const (
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrCodeBadPE          ErrorCode = "BAD_PE"
	ErrCodeBadHandle      ErrorCode = "BAD_HANDLE"
	ErrCodeOutOfBounds    ErrorCode = "OUT_OF_BOUNDS"
	ErrCodeUnsupported    ErrorCode = "UNSUPPORTED"
	ErrCodeAlloc          ErrorCode = "ALLOC_FAILED"
	ErrCodeNotMember      ErrorCode = "NOT_TEAM_MEMBER"
)

// Error is returned by Runtime and the bindings.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CheckBounds validates that s lies inside a segment of segLen bytes.
func CheckBounds(op string, s Sym, segLen int) error {
	if s.Offset < 0 || s.Len < 0 || s.Offset+s.Len > segLen {
		return Errorf(ErrCodeOutOfBounds, op, "%s outside segment of %d bytes", s, segLen)
	}
	return nil
}

// ApplyAtomic performs op on the element at seg[0:k.Size()] and returns the prior value.
// Bindings call it while holding whatever lock makes the update atomic.
func ApplyAtomic(seg []byte, k Kind, op AtomicOp, operand, cond uint64) (uint64, error) {
	if !k.Valid() {
		return 0, Errorf(ErrCodeUnsupported, op.String(), "invalid shape %s", k)
	}
	if len(seg) < k.Size() {
		return 0, Errorf(ErrCodeOutOfBounds, op.String(), "element of %d bytes in %d byte window", k.Size(), len(seg))
	}
	old := k.Bits(seg)
	var next uint64
	switch op {
	case AMOFetch:
		return old, nil
	case AMOSet, AMOSwap:
		next = operand
	case AMOCompareSwap:
		if old != k.Bits(trim(cond, k)) {
			return old, nil
		}
		next = operand
	case AMOFetchAdd:
		if k.Float() {
			return 0, Errorf(ErrCodeUnsupported, op.String(), "not defined for %s", k)
		}
		next = old + operand
	case AMOFetchAnd, AMOFetchOr, AMOFetchXor:
		if k.Float() || k.Signed() {
			return 0, Errorf(ErrCodeUnsupported, op.String(), "not defined for %s", k)
		}
		switch op {
		case AMOFetchAnd:
			next = old & operand
		case AMOFetchOr:
			next = old | operand
		default:
			next = old ^ operand
		}
	default:
		return 0, Errorf(ErrCodeUnsupported, op.String(), "unknown atomic operation")
	}
	k.PutBits(seg, next)
	return old, nil
}

func trim(v uint64, k Kind) []byte {
	b := make([]byte, 8)
	k.PutBits(b, v)
	return b
}
