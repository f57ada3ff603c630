package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-beebe/shmemvv/internal/testutil"
)

var epoch = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func never() (bool, error) { return false, nil }

func TestUntil_TimeoutWithinOneInterval(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	p := Poller{Clock: clock}
	b := Backoff{FastAttempts: 64, Interval: 10 * time.Millisecond}

	st, err := p.Until(context.Background(), never, 2*time.Second, b)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2*time.Second, te.Timeout)
	assert.GreaterOrEqual(t, te.Elapsed, 2*time.Second)
	assert.LessOrEqual(t, te.Elapsed, 2*time.Second+b.Interval)
	assert.Equal(t, st.Attempts, te.Attempts)
	assert.Greater(t, st.Attempts, b.FastAttempts)
	assert.Equal(t, epoch.Add(2*time.Second), st.Deadline)

	for _, d := range clock.Sleeps() {
		assert.LessOrEqual(t, d, b.Interval)
	}
}

func TestUntil_SleepClampedToRemaining(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	p := Poller{Clock: clock}

	_, err := p.Until(context.Background(), never, 25*time.Millisecond, Backoff{Interval: 10 * time.Millisecond})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		10 * time.Millisecond,
		5 * time.Millisecond,
	}, clock.Sleeps())
	assert.Equal(t, epoch.Add(25*time.Millisecond), clock.Now())
}

func TestUntil_FastPhaseDoesNotSleep(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	p := Poller{Clock: clock}

	calls := 0
	pred := func() (bool, error) {
		calls++
		return calls == 5, nil
	}

	st, err := p.Until(context.Background(), pred, time.Second, Backoff{FastAttempts: 8, Interval: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 5, st.Attempts)
	assert.Empty(t, clock.Sleeps())
}

func TestUntil_SucceedsAfterSlowPhase(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	p := Poller{Clock: clock}

	calls := 0
	pred := func() (bool, error) {
		calls++
		return calls > 4, nil
	}

	st, err := p.Until(context.Background(), pred, time.Second, Backoff{FastAttempts: 1, Interval: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 5, st.Attempts)
	assert.Len(t, clock.Sleeps(), 3)
	assert.Equal(t, 3*time.Millisecond, st.Elapsed)
}

func TestUntil_PredicateErrorStops(t *testing.T) {
	boom := errors.New("boom")
	p := Poller{Clock: testutil.NewFakeClock(epoch)}

	st, err := p.Until(context.Background(), func() (bool, error) { return false, boom }, time.Second, DefaultBackoff)

	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 1, st.Attempts)
}

func TestUntil_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := Poller{Clock: testutil.NewFakeClock(epoch)}

	calls := 0
	pred := func() (bool, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return false, nil
	}

	// No timeout: only the context bounds the wait.
	st, err := p.Until(ctx, pred, 0, Backoff{Interval: time.Millisecond})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, st.Attempts)
	assert.True(t, st.Deadline.IsZero())
}

func TestUntil_NilClockUsesWallClock(t *testing.T) {
	start := time.Now()
	_, err := Poller{}.Until(context.Background(), never, 30*time.Millisecond, Backoff{Interval: 5 * time.Millisecond})

	require.ErrorIs(t, err, ErrTimeout)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Timeout: 2 * time.Second, Attempts: 265, Elapsed: 2 * time.Second}
	assert.Equal(t, "poll: timed out after 2s (265 attempts, limit 2s)", err.Error())
}
