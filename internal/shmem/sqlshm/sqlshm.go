// Package sqlshm binds the library surface to separate OS processes that share
// one SQLite database file. Each PE's symmetric segments are rows of the
// store; atomics run inside immediate transactions so concurrent processes
// serialize on the database write lock; barriers are generation counters
// polled until the last member arrives.
package sqlshm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michael-beebe/shmemvv/internal/poll"
	"github.com/michael-beebe/shmemvv/internal/shmem"
	"github.com/michael-beebe/shmemvv/internal/store"
)

// DefaultBackoff is the barrier polling schedule. Arrivals from other
// processes take at least one database round trip, so the fast phase is short.
var DefaultBackoff = poll.Backoff{FastAttempts: 4, Interval: 2 * time.Millisecond}

// Transport is one PE's view of a shared run.
type Transport struct {
	st      *store.Store
	owned   bool
	runID   string
	rank    int
	size    int
	backoff poll.Backoff

	mu   sync.Mutex
	next int64
}

var _ shmem.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBackoff sets the barrier polling schedule.
func WithBackoff(b poll.Backoff) Option {
	return func(t *Transport) { t.backoff = b }
}

// New returns the transport of PE rank over an open store. The caller keeps
// ownership of st.
func New(st *store.Store, runID string, rank, size int, opts ...Option) (*Transport, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("sqlshm: rank %d outside job of %d", rank, size)
	}
	if runID == "" {
		return nil, errors.New("sqlshm: empty run id")
	}
	t := &Transport{st: st, runID: runID, rank: rank, size: size, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Open opens the database at path and returns the transport of PE rank.
// Close releases the database.
func Open(path, runID string, rank, size int, opts ...Option) (*Transport, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sqlshm: %w", err)
	}
	t, err := New(st, runID, rank, size, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// Run starts npes PEs in this process, each with its own database handle on
// path, and waits for all of them. It exercises the same code path as one
// process per PE.
func Run(ctx context.Context, path, runID string, npes int, fn func(ctx context.Context, lib *shmem.Runtime) error, opts ...shmem.Option) error {
	if npes <= 0 {
		return fmt.Errorf("sqlshm: invalid npes %d", npes)
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < npes; rank++ {
		g.Go(func() error {
			tr, err := Open(path, runID, rank, npes)
			if err != nil {
				return fmt.Errorf("pe %d: %w", rank, err)
			}
			defer tr.Close()
			if err := fn(gctx, shmem.New(tr, opts...)); err != nil {
				return fmt.Errorf("pe %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Store returns the underlying store.
func (t *Transport) Store() *store.Store { return t.st }

// RunID returns the run the transport belongs to.
func (t *Transport) RunID() string { return t.runID }

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

func (t *Transport) key(pe int, handle int64) store.SegmentKey {
	return store.SegmentKey{RunID: t.runID, PE: pe, Handle: handle}
}

func (t *Transport) checkPE(op string, pe int) error {
	if pe < 0 || pe >= t.size {
		return shmem.Errorf(shmem.ErrCodeBadPE, op, "pe %d outside [0,%d)", pe, t.size)
	}
	return nil
}

// Alloc creates this PE's row for the next handle.
func (t *Transport) Alloc(ctx context.Context, size int) (int64, error) {
	t.mu.Lock()
	t.next++
	handle := t.next
	t.mu.Unlock()

	if err := t.st.AllocSegment(ctx, t.key(t.rank, handle), size); err != nil {
		return 0, shmem.Errorf(shmem.ErrCodeAlloc, "malloc", "%v", err)
	}
	return handle, nil
}

func (t *Transport) Release(ctx context.Context, handle int64) error {
	return mapErr("free", t.st.FreeSegment(ctx, t.key(t.rank, handle)))
}

func (t *Transport) Write(ctx context.Context, pe int, dst shmem.Sym, src []byte) error {
	if err := t.checkPE("write", pe); err != nil {
		return err
	}
	if len(src) > dst.Len {
		src = src[:dst.Len]
	}
	return mapErr("write", t.st.WriteSegment(ctx, t.key(pe, dst.Handle), dst.Offset, src))
}

func (t *Transport) Read(ctx context.Context, pe int, src shmem.Sym, dst []byte) error {
	if err := t.checkPE("read", pe); err != nil {
		return err
	}
	data, err := t.st.ReadSegment(ctx, t.key(pe, src.Handle), src.Offset, src.Len)
	if err != nil {
		return mapErr("read", err)
	}
	copy(dst, data)
	return nil
}

func (t *Transport) Atomic(ctx context.Context, pe int, dst shmem.Sym, k shmem.Kind, op shmem.AtomicOp, operand, cond uint64) (uint64, error) {
	if err := t.checkPE("atomic", pe); err != nil {
		return 0, err
	}
	key := t.key(pe, dst.Handle)
	if op == shmem.AMOFetch {
		data, err := t.st.ReadSegment(ctx, key, dst.Offset, k.Size())
		if err != nil {
			return 0, mapErr("atomic", err)
		}
		return shmem.ApplyAtomic(data, k, op, 0, 0)
	}
	var old uint64
	err := t.st.UpdateSegment(ctx, key, dst.Offset, k.Size(), func(window []byte) error {
		var err error
		old, err = shmem.ApplyAtomic(window, k, op, operand, cond)
		return err
	})
	if err != nil {
		return 0, mapErr("atomic", err)
	}
	return old, nil
}

// Sync records this PE's arrival and polls until the generation advances.
func (t *Transport) Sync(ctx context.Context, g shmem.Group) error {
	if len(g.Members) <= 1 {
		return ctx.Err()
	}
	a, err := t.st.Arrive(ctx, t.runID, g.Name, len(g.Members))
	if err != nil {
		return fmt.Errorf("barrier %s: %w", g.Name, err)
	}
	if a.Released {
		return nil
	}
	_, err = poll.Until(ctx, func() (bool, error) {
		gen, err := t.st.Generation(ctx, t.runID, g.Name)
		if err != nil {
			return false, err
		}
		return gen > a.Generation, nil
	}, 0, t.backoff)
	if err != nil {
		return fmt.Errorf("barrier %s: %w", g.Name, err)
	}
	return nil
}

// Close releases the database if the transport opened it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.st.Close()
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return shmem.Errorf(shmem.ErrCodeBadHandle, op, "%v", err)
	case errors.Is(err, store.ErrOutOfRange):
		return shmem.Errorf(shmem.ErrCodeOutOfBounds, op, "%v", err)
	}
	var se *shmem.Error
	if errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
