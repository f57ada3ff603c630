// Package loopback binds the library surface to a single OS process: every
// PE is a goroutine and the symmetric heap is ordinary memory guarded by one
// mutex. It exists so the harness can be exercised end to end without a
// multi-process launcher.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// World is the shared state of one loopback job.
type World struct {
	npes int

	mu       sync.Mutex
	heaps    []map[int64][]byte
	next     []int64
	barriers map[string]*barrier
}

type barrier struct {
	arrived int
	release chan struct{}
}

// NewWorld creates a job of npes PEs.
func NewWorld(npes int) *World {
	w := &World{
		npes:     npes,
		heaps:    make([]map[int64][]byte, npes),
		next:     make([]int64, npes),
		barriers: make(map[string]*barrier),
	}
	for i := range w.heaps {
		w.heaps[i] = make(map[int64][]byte)
	}
	return w
}

// NPEs returns the job size.
func (w *World) NPEs() int { return w.npes }

// Transport returns the transport of PE rank.
func (w *World) Transport(rank int) shmem.Transport {
	return &transport{w: w, rank: rank}
}

// Run starts one goroutine per PE, each with its own Runtime, and waits for
// all of them. The first error cancels the context passed to the others.
func Run(ctx context.Context, npes int, fn func(ctx context.Context, lib *shmem.Runtime) error, opts ...shmem.Option) error {
	if npes <= 0 {
		return fmt.Errorf("loopback: invalid npes %d", npes)
	}
	w := NewWorld(npes)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < npes; rank++ {
		g.Go(func() error {
			lib := shmem.New(w.Transport(rank), opts...)
			if err := fn(gctx, lib); err != nil {
				return fmt.Errorf("pe %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type transport struct {
	w    *World
	rank int
}

func (t *transport) Rank() int { return t.rank }
func (t *transport) Size() int { return t.w.npes }

func (t *transport) Alloc(ctx context.Context, size int) (int64, error) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.w.next[t.rank]++
	handle := t.w.next[t.rank]
	t.w.heaps[t.rank][handle] = make([]byte, size)
	return handle, nil
}

func (t *transport) Release(ctx context.Context, handle int64) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if _, ok := t.w.heaps[t.rank][handle]; !ok {
		return shmem.Errorf(shmem.ErrCodeBadHandle, "free", "handle %d not allocated on pe %d", handle, t.rank)
	}
	delete(t.w.heaps[t.rank], handle)
	return nil
}

// segment must be called with w.mu held.
func (t *transport) segment(op string, pe int, s shmem.Sym) ([]byte, error) {
	if pe < 0 || pe >= t.w.npes {
		return nil, shmem.Errorf(shmem.ErrCodeBadPE, op, "pe %d outside [0,%d)", pe, t.w.npes)
	}
	seg, ok := t.w.heaps[pe][s.Handle]
	if !ok {
		return nil, shmem.Errorf(shmem.ErrCodeBadHandle, op, "handle %d not allocated on pe %d", s.Handle, pe)
	}
	if err := shmem.CheckBounds(op, s, len(seg)); err != nil {
		return nil, err
	}
	return seg[s.Offset : s.Offset+s.Len], nil
}

func (t *transport) Write(ctx context.Context, pe int, dst shmem.Sym, src []byte) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	seg, err := t.segment("write", pe, dst)
	if err != nil {
		return err
	}
	copy(seg, src)
	return nil
}

func (t *transport) Read(ctx context.Context, pe int, src shmem.Sym, dst []byte) error {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	seg, err := t.segment("read", pe, src)
	if err != nil {
		return err
	}
	copy(dst, seg)
	return nil
}

func (t *transport) Atomic(ctx context.Context, pe int, dst shmem.Sym, k shmem.Kind, op shmem.AtomicOp, operand, cond uint64) (uint64, error) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	seg, err := t.segment("atomic", pe, dst.Slice(0, k.Size()))
	if err != nil {
		return 0, err
	}
	return shmem.ApplyAtomic(seg, k, op, operand, cond)
}

func (t *transport) Sync(ctx context.Context, g shmem.Group) error {
	if len(g.Members) <= 1 {
		return ctx.Err()
	}
	t.w.mu.Lock()
	b, ok := t.w.barriers[g.Name]
	if !ok {
		b = &barrier{release: make(chan struct{})}
		t.w.barriers[g.Name] = b
	}
	b.arrived++
	if b.arrived == len(g.Members) {
		close(b.release)
		delete(t.w.barriers, g.Name)
		t.w.mu.Unlock()
		return nil
	}
	release := b.release
	t.w.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier %s: %w", g.Name, ctx.Err())
	}
}

func (t *transport) Close() error { return nil }
