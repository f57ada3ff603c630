// Package poll implements the completion poller: a bounded-time retry loop
// for detecting that a peer's operation has landed.
//
// A poll evaluates a non-blocking, idempotent predicate until it reports
// true or the timeout elapses. Backoff is two-phase: a bounded number of
// near-zero-delay attempts first, since most completions arrive quickly,
// then a fixed sleep interval so a slow peer does not cost a spinning core.
//
// The poller only reports elapsed or not elapsed. Whether a timeout is a hard
// failure or an environment limitation is the caller's decision.
package poll

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("poll: timed out")

// Backoff configures the two-phase retry schedule.
type Backoff struct {
	// FastAttempts is the number of attempts separated only by a yield.
	FastAttempts int
	// Interval is the sleep between attempts once the fast phase is spent.
	Interval time.Duration
}

// DefaultBackoff suits completions expected within milliseconds. A zero
// Interval is replaced by DefaultBackoff.Interval.
var DefaultBackoff = Backoff{FastAttempts: 64, Interval: 10 * time.Millisecond}

func (b Backoff) normalize() Backoff {
	if b.FastAttempts < 0 {
		b.FastAttempts = 0
	}
	if b.Interval <= 0 {
		b.Interval = DefaultBackoff.Interval
	}
	return b
}

// Predicate reports whether the awaited condition holds. It must not block
// and must have no side effects visible to the condition.
type Predicate func() (bool, error)

// State describes one poll call.
type State struct {
	Deadline time.Time
	Attempts int
	Elapsed  time.Duration
}

// TimeoutError is returned when the deadline passes before the predicate holds.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("poll: timed out after %v (%d attempts, limit %v)", e.Elapsed.Round(time.Millisecond), e.Attempts, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold for every TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Clock abstracts time so poll bounds can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WallClock is the real clock.
var WallClock Clock = wallClock{}

// Poller evaluates predicates against a Clock.
type Poller struct {
	Clock Clock
}

// Until polls pred against the wall clock. See Poller.Until.
func Until(ctx context.Context, pred Predicate, timeout time.Duration, b Backoff) (State, error) {
	return Poller{Clock: WallClock}.Until(ctx, pred, timeout, b)
}

// Until evaluates pred until it returns true, it returns an error, ctx is
// done, or timeout elapses. A timeout <= 0 leaves the wait bounded only by ctx.
//
// For a predicate that never holds, the returned *TimeoutError arrives no
// earlier than timeout and no later than timeout plus one backoff interval.
func (p Poller) Until(ctx context.Context, pred Predicate, timeout time.Duration, b Backoff) (State, error) {
	clock := p.Clock
	if clock == nil {
		clock = WallClock
	}
	b = b.normalize()

	start := clock.Now()
	st := State{}
	if timeout > 0 {
		st.Deadline = start.Add(timeout)
	}

	for {
		st.Attempts++
		ok, err := pred()
		st.Elapsed = clock.Now().Sub(start)
		if err != nil {
			return st, err
		}
		if ok {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		now := clock.Now()
		if timeout > 0 && !now.Before(st.Deadline) {
			return st, &TimeoutError{Timeout: timeout, Attempts: st.Attempts, Elapsed: st.Elapsed}
		}

		if st.Attempts <= b.FastAttempts {
			runtime.Gosched()
			continue
		}

		wait := b.Interval
		if timeout > 0 {
			if remaining := st.Deadline.Sub(now); remaining < wait {
				wait = remaining
			}
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			st.Elapsed = clock.Now().Sub(start)
			return st, err
		}
	}
}
