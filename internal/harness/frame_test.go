package harness

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/poll"
	"github.com/michael-beebe/shmemvv/internal/shmem"
	"github.com/michael-beebe/shmemvv/internal/testutil"
)

var epoch = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

type workaroundTable map[string]string

func (w workaroundTable) Resolve(op string) (string, bool) {
	sub, ok := w[op]
	if !ok {
		return op, false
	}
	return sub, true
}

func newTestFrame(t *testing.T) (*Frame, *bytes.Buffer, *testutil.FakeClock) {
	t.Helper()
	var buf bytes.Buffer
	clock := testutil.NewFakeClock(epoch)
	log := diaglog.New(diaglog.WithWriter(&buf), diaglog.WithClock(clock))
	require.NoError(t, log.Init("test", 0))
	return &Frame{
		Log:     log,
		Poller:  poll.Poller{Clock: clock},
		Timeout: 2 * time.Second,
		Backoff: poll.Backoff{FastAttempts: 8, Interval: 10 * time.Millisecond},
	}, &buf, clock
}

func TestFrame_PassingBody(t *testing.T) {
	f, buf, _ := newTestFrame(t)

	o := f.Invoke(context.Background(), "shmem_put", shmem.KindInt32, func(ctx context.Context, tt *T, k shmem.Kind) error {
		assert.Equal(t, "shmem_put<int32>", tt.Name())
		assert.Equal(t, shmem.KindInt32, k)
		tt.Equal("value", int32(7), int32(7))
		tt.EqualValues("widened", []int64{1, 2}, []int32{1, 2})
		return nil
	})

	assert.Equal(t, Outcome{Name: "shmem_put", Passed: true}, o)
	out := buf.String()
	assert.Contains(t, out, "[ROUTINE] shmem_put<int32>")
	assert.Contains(t, out, "[INFO] value: 7")
	assert.Contains(t, out, "[INFO] widened: [1 2]")
	assert.Contains(t, out, "[INFO] shmem_put<int32>: PASSED")
}

func TestFrame_FailedCheckKeepsRunning(t *testing.T) {
	f, buf, _ := newTestFrame(t)
	reached := false

	o := f.Invoke(context.Background(), "shmem_get", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		tt.Equal("first", 1, 2)
		reached = true
		return nil
	})

	assert.True(t, reached)
	assert.False(t, o.Passed)
	assert.Equal(t, "first: expected 1, got 2", o.Reason)
	assert.Contains(t, buf.String(), "[FAIL] first: expected 1, got 2")
	assert.Contains(t, buf.String(), "[FAIL] shmem_get: FAILED")
}

func TestFrame_ReturnedErrorFails(t *testing.T) {
	f, buf, _ := newTestFrame(t)

	o := f.Invoke(context.Background(), "shmem_malloc", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return shmem.Errorf(shmem.ErrCodeAlloc, "malloc", "heap exhausted")
	})

	assert.False(t, o.Passed)
	assert.Equal(t, "malloc: ALLOC_FAILED: heap exhausted", o.Reason)
	assert.Contains(t, buf.String(), "[FAIL] shmem_malloc: malloc: ALLOC_FAILED: heap exhausted")
}

func TestFrame_PanicIsContained(t *testing.T) {
	f, buf, _ := newTestFrame(t)

	var o Outcome
	require.NotPanics(t, func() {
		o = f.Invoke(context.Background(), "shmem_panic", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
			var m map[string]int
			m["boom"] = 1
			return nil
		})
	})

	assert.False(t, o.Passed)
	assert.True(t, strings.HasPrefix(o.Reason, "panic: assignment to entry in nil map"))
	assert.Contains(t, buf.String(), "[FAIL] shmem_panic: panic:")
}

func TestFrame_PollTimeout(t *testing.T) {
	f, buf, clock := newTestFrame(t)
	start := clock.Now()

	o := f.Invoke(context.Background(), "shmem_wait", shmem.KindInt64, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return tt.Poll(ctx, "flag to be set", func() (bool, error) { return false, nil },
			func() string { return "flag=0" })
	})

	assert.False(t, o.Passed)
	assert.Contains(t, o.Reason, "waiting for flag to be set (last observed flag=0)")

	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.LessOrEqual(t, elapsed, 2*time.Second+10*time.Millisecond)

	// 8 fast attempts, then one attempt per 10ms interval up to the deadline.
	assert.Contains(t, buf.String(), "[FAIL] shmem_wait<int64>: timed out after 2s and 209 attempts")
	assert.Contains(t, buf.String(), "last observed flag=0")
}

func TestFrame_PollErrorSkipsObserve(t *testing.T) {
	f, _, _ := newTestFrame(t)
	observed := false

	o := f.Invoke(context.Background(), "shmem_wait", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return tt.Poll(ctx, "flag", func() (bool, error) { return false, errors.New("bad handle") },
			func() string {
				observed = true
				return ""
			})
	})

	assert.False(t, o.Passed)
	assert.Equal(t, "waiting for flag: bad handle", o.Reason)
	assert.False(t, observed)
}

func TestFrame_DefaultBackoffPollsFastFirst(t *testing.T) {
	var buf bytes.Buffer
	clock := testutil.NewFakeClock(epoch)
	log := diaglog.New(diaglog.WithWriter(&buf), diaglog.WithClock(clock))
	require.NoError(t, log.Init("test", 0))
	// No Backoff, as the CLI builds it.
	f := &Frame{Log: log, Poller: poll.Poller{Clock: clock}, Timeout: 2 * time.Second}
	calls := 0

	o := f.Invoke(context.Background(), "shmem_wait", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return tt.Poll(ctx, "flag", func() (bool, error) {
			calls++
			return calls == 3, nil
		}, nil)
	})

	assert.True(t, o.Passed)
	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, poll.DefaultBackoff, f.backoff())
}

func TestFrame_PollSuccessLogsAttempts(t *testing.T) {
	f, buf, _ := newTestFrame(t)
	calls := 0

	o := f.Invoke(context.Background(), "shmem_test", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return tt.Poll(ctx, "flag", func() (bool, error) {
			calls++
			return calls == 3, nil
		}, nil)
	})

	assert.True(t, o.Passed)
	assert.Contains(t, buf.String(), "[INFO] flag after 3 attempts")
}

func TestFrame_Skip(t *testing.T) {
	f, buf, _ := newTestFrame(t)

	o := f.Invoke(context.Background(), "shmem_team", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		return tt.Skip("needs an even group")
	})

	assert.Equal(t, Outcome{Name: "shmem_team", Skipped: true, Reason: "needs an even group"}, o)
	assert.True(t, o.OK())
	assert.Contains(t, buf.String(), "[INFO] shmem_team: skipped (needs an even group)")
}

func TestFrame_SkipAfterFailureStillFails(t *testing.T) {
	f, _, _ := newTestFrame(t)

	o := f.Invoke(context.Background(), "shmem_team", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		tt.True("precondition", false, "team was nil")
		return tt.Skip("giving up")
	})

	assert.False(t, o.Passed)
	assert.False(t, o.Skipped)
	assert.Equal(t, "precondition: expected true, got team was nil", o.Reason)
}

func TestFrame_ResolveLogsWorkaround(t *testing.T) {
	f, buf, _ := newTestFrame(t)
	f.Workarounds = workaroundTable{"fcollect": "collect"}

	var got, same string
	f.Invoke(context.Background(), "shmem_fcollect", shmem.KindInvalid, func(ctx context.Context, tt *T, k shmem.Kind) error {
		got = tt.Resolve("fcollect")
		same = tt.Resolve("broadcast")
		return nil
	})

	assert.Equal(t, "collect", got)
	assert.Equal(t, "broadcast", same)
	assert.Contains(t, buf.String(), "[WARN] workaround active: using collect in place of fcollect")
	assert.NotContains(t, buf.String(), "in place of broadcast")
}

func TestValuesEqual(t *testing.T) {
	f, _, _ := newTestFrame(t)
	tt := &T{frame: f}

	assert.True(t, tt.EqualValues("int widths", int8(-3), int64(-3)))
	assert.True(t, tt.EqualValues("float vs int", 4.0, 4))
	assert.True(t, tt.EqualValues("slices", []uint16{1, 2}, []int64{1, 2}))
	assert.False(t, tt.EqualValues("length", []int{1}, []int{1, 2}))
	assert.False(t, tt.EqualValues("value", 2.5, 2))
	assert.True(t, tt.Failed())
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{What: "counter", Expected: "4", Actual: "3"}
	assert.Equal(t, "counter: expected 4, got 3", err.Error())
}
