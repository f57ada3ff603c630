package harness

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/poll"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// DefaultTimeout bounds completion polls when the Frame sets none.
const DefaultTimeout = 2 * time.Second

// Workarounds maps an operation to a substitute. config.Plan implements it.
type Workarounds interface {
	Resolve(op string) (string, bool)
}

// PanicError is a panic recovered from a test body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Frame runs test bodies and turns whatever happens inside them into an
// Outcome.
type Frame struct {
	Lib         shmem.Library
	Log         *diaglog.Log
	Poller      poll.Poller
	Timeout     time.Duration
	Backoff     poll.Backoff
	Workarounds Workarounds
}

func (f *Frame) timeout() time.Duration {
	if f.Timeout <= 0 {
		return DefaultTimeout
	}
	return f.Timeout
}

// backoff falls back to poll.DefaultBackoff so an unconfigured frame still
// polls in two phases.
func (f *Frame) backoff() poll.Backoff {
	if f.Backoff == (poll.Backoff{}) {
		return poll.DefaultBackoff
	}
	return f.Backoff
}

// RoutineName names one shape instantiation of a case, e.g. "shmem_put<int32>".
func RoutineName(name string, k shmem.Kind) string {
	if !k.Valid() {
		return name
	}
	return name + "<" + k.String() + ">"
}

// Invoke runs body for shape k. It never panics and never returns an error:
// every failure mode is reported through the Outcome and the diagnostic log.
func (f *Frame) Invoke(ctx context.Context, name string, k shmem.Kind, body Body) Outcome {
	routine := RoutineName(name, k)
	f.Log.MarkRoutine(routine)

	t := &T{frame: f, name: routine, kind: k}
	err := run(ctx, t, k, body)
	// Free is collective: every PE releases the same buffers in the same
	// order whether its body passed, failed or panicked.
	if rerr := t.release(ctx); rerr != nil {
		t.Errorf("release buffers: %v", rerr)
	}

	o := Outcome{Name: name, Passed: true}
	var (
		skip     *SkipError
		timeout  *poll.TimeoutError
		panicked *PanicError
	)
	switch {
	case err == nil:
	case errors.As(err, &skip) && !t.Failed():
		o.Skipped = true
		o.Reason = skip.Reason
		f.Log.Infof("%s: skipped (%s)", routine, skip.Reason)
		return o
	case errors.As(err, &skip):
		// Checks already failed; the skip does not hide them.
	case errors.As(err, &timeout):
		o.Passed = false
		o.Reason = err.Error()
		f.Log.Failf("%s: timed out after %v and %d attempts: %v", routine, timeout.Elapsed, timeout.Attempts, err)
	case errors.As(err, &panicked):
		o.Passed = false
		o.Reason = err.Error()
		f.Log.Failf("%s: %v", routine, err)
		f.Log.Failf("%s", panicked.Stack)
	default:
		o.Passed = false
		o.Reason = err.Error()
		f.Log.Failf("%s: %v", routine, err)
	}

	if t.Failed() {
		o.Passed = false
		if o.Reason == "" {
			o.Reason = t.failures[0].Error()
		}
	}
	if o.Passed {
		f.Log.Infof("%s: PASSED", routine)
	} else {
		f.Log.Failf("%s: FAILED", routine)
	}
	return o
}

func run(ctx context.Context, t *T, k shmem.Kind, body Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return body(ctx, t, k)
}
