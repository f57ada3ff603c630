package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/poll"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// AssertionError is a failed validation. Bodies may return it directly; T
// records one for every failed check.
type AssertionError struct {
	What     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.What, e.Expected, e.Actual)
}

// SkipError ends a body without failing it.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// T is the context a test body runs with.
type T struct {
	frame *Frame
	name  string
	kind  shmem.Kind

	failures []error
	buffers  []shmem.Sym
}

// Lib returns the library under test.
func (t *T) Lib() shmem.Library { return t.frame.Lib }

// Name returns the routine name, including the shape.
func (t *T) Name() string { return t.name }

// Kind returns the data shape the body runs for.
func (t *T) Kind() shmem.Kind { return t.kind }

// Failed reports whether a check has failed.
func (t *T) Failed() bool { return len(t.failures) > 0 }

func (t *T) log() *diaglog.Log { return t.frame.Log }

// Logf writes an INFO line.
func (t *T) Logf(format string, args ...any) { t.log().Infof(format, args...) }

// Warnf writes a WARN line.
func (t *T) Warnf(format string, args ...any) { t.log().Warnf(format, args...) }

// Errorf records a failure and writes a FAIL line.
func (t *T) Errorf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	t.failures = append(t.failures, err)
	t.log().Failf("%s", err)
}

// Equal checks expected == actual with reflect.DeepEqual.
func (t *T) Equal(what string, expected, actual any) bool {
	return t.check(what, expected, actual, reflect.DeepEqual(expected, actual))
}

// EqualValues checks expected and actual after converting numbers, so an
// int32 element compares equal to the same int64 value. Slices compare
// element-wise.
func (t *T) EqualValues(what string, expected, actual any) bool {
	return t.check(what, expected, actual, valuesEqual(reflect.ValueOf(expected), reflect.ValueOf(actual)))
}

// True checks a condition; detail describes the observed state.
func (t *T) True(what string, cond bool, detail string) bool {
	return t.check(what, "true", detail, cond)
}

func (t *T) check(what string, expected, actual any, ok bool) bool {
	if ok {
		t.log().Infof("%s: %v", what, actual)
		return true
	}
	err := &AssertionError{What: what, Expected: fmt.Sprint(expected), Actual: fmt.Sprint(actual)}
	t.failures = append(t.failures, err)
	t.log().Failf("%s", err)
	return false
}

// Malloc collectively allocates a symmetric buffer owned by the frame. The
// frame frees it when the body returns, however the body ends, so bodies
// must not free it themselves.
func (t *T) Malloc(ctx context.Context, size int) (shmem.Sym, error) {
	s, err := t.frame.Lib.Malloc(ctx, size)
	if err != nil {
		return shmem.Sym{}, err
	}
	t.buffers = append(t.buffers, s)
	return s, nil
}

// release frees the body's buffers in reverse allocation order. Every buffer
// is attempted; the first error is returned.
func (t *T) release(ctx context.Context) error {
	var first error
	for i := len(t.buffers) - 1; i >= 0; i-- {
		if err := t.frame.Lib.Free(ctx, t.buffers[i]); err != nil && first == nil {
			first = fmt.Errorf("free %s: %w", t.buffers[i], err)
		}
	}
	t.buffers = nil
	return first
}

// Skip returns the error that ends the body as skipped:
//
//	return t.Skip("needs an even number of PEs")
func (t *T) Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// Poll waits for pred with the frame's timeout. The error of a timeout wraps
// *poll.TimeoutError and carries what was awaited. observe, if not nil,
// describes the awaited state and is recorded when the poll times out.
func (t *T) Poll(ctx context.Context, what string, pred poll.Predicate, observe func() string) error {
	st, err := t.frame.Poller.Until(ctx, pred, t.frame.timeout(), t.frame.backoff())
	if err != nil {
		if observe != nil && errors.Is(err, poll.ErrTimeout) {
			return fmt.Errorf("waiting for %s (last observed %s): %w", what, observe(), err)
		}
		return fmt.Errorf("waiting for %s: %w", what, err)
	}
	t.log().Infof("%s after %d attempts", what, st.Attempts)
	return nil
}

// Resolve returns the operation to call in place of op. A substitution from
// the workaround table is logged as a WARN naming both operations.
func (t *T) Resolve(op string) string {
	if t.frame.Workarounds == nil {
		return op
	}
	sub, ok := t.frame.Workarounds.Resolve(op)
	if ok {
		t.log().Warnf("workaround active: using %s in place of %s", sub, op)
	}
	return sub
}

func valuesEqual(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	if isList(a) && isList(b) {
		if a.Len() != b.Len() {
			return false
		}
		for i := 0; i < a.Len(); i++ {
			if !valuesEqual(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	}
	x, xok := number(a)
	y, yok := number(b)
	if xok && yok {
		return x == y
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

// number renders a numeric value exactly enough to compare across widths.
func number(v reflect.Value) (string, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprint(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fmt.Sprint(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f == float64(int64(f)) {
			return fmt.Sprint(int64(f)), true
		}
		return fmt.Sprintf("%g", f), true
	}
	return "", false
}
