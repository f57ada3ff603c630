package suites

import (
	"context"
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func atomicCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_atomic_fetch_inc", MinPEs: 2, Op: "atomic.fetch_add", Shapes: shmem.AtomicKinds, Reduced: true, Body: testFetchInc},
		{Name: "shmem_atomic_fetch_add", MinPEs: 2, Op: "atomic.fetch_add", Shapes: shmem.AtomicKinds, Reduced: true, Body: testFetchAdd},
		{Name: "shmem_atomic_compare_swap", MinPEs: 2, Op: "atomic.compare_swap", Shapes: shmem.AtomicKinds, Reduced: true, Body: testCompareSwap},
		{Name: "shmem_atomic_swap", MinPEs: 2, Op: "atomic.swap", Shapes: shmem.AtomicKinds, Reduced: true, Body: testSwap},
	}
}

// testFetchInc has every PE increment one counter on PE 0. Every PE must
// then observe the group size, and every fetched value must be a prior count.
func testFetchInc(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	n := int64(lib.NPEs())
	counter, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	old, err := lib.Atomic(ctx, shmem.AMOFetchAdd, k, counter, k.FromInt(1), 0, 0)
	if err != nil {
		return err
	}
	prior := k.ToInt(old)
	t.True("fetched a prior count", prior >= 0 && prior < n, fmt.Sprint(prior))

	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	final, err := lib.Atomic(ctx, shmem.AMOFetch, k, counter, 0, 0, 0)
	if err != nil {
		return err
	}
	t.Equal("counter", n, k.ToInt(final))
	return nil
}

func testFetchAdd(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	n := int64(lib.NPEs())
	sum, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	if _, err := lib.Atomic(ctx, shmem.AMOFetchAdd, k, sum, k.FromInt(int64(lib.MyPE()+1)), 0, 0); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	final, err := lib.Atomic(ctx, shmem.AMOFetch, k, sum, 0, 0, 0)
	if err != nil {
		return err
	}
	t.Equal("sum of contributions", n*(n+1)/2, k.ToInt(final))
	return nil
}

// testCompareSwap races every PE to claim a word on PE 0. Exactly one PE may
// see the initial zero.
func testCompareSwap(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me := lib.MyPE()
	target, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	wins, err := alloc(ctx, t, shmem.KindInt32, 1)
	if err != nil {
		return err
	}

	old, err := lib.Atomic(ctx, shmem.AMOCompareSwap, k, target, k.FromInt(int64(me+1)), 0, 0)
	if err != nil {
		return err
	}
	won := int64(0)
	if k.ToInt(old) == 0 {
		won = 1
	}
	if err := lib.SetLocal(ctx, wins, shmem.KindInt32.Encode([]int64{won})); err != nil {
		return err
	}
	if err := lib.Reduce(ctx, lib.TeamWorld(), shmem.ReduceSum, shmem.KindInt32, wins, wins, 1); err != nil {
		return err
	}
	total, err := local(ctx, lib, shmem.KindInt32, wins)
	if err != nil {
		return err
	}
	t.Equal("winners", []int64{1}, total)

	owner, err := lib.Atomic(ctx, shmem.AMOFetch, k, target, 0, 0, 0)
	if err != nil {
		return err
	}
	v := k.ToInt(owner)
	t.True("word holds a claim", v >= 1 && v <= int64(lib.NPEs()), fmt.Sprint(v))

	return nil
}

// testSwap swaps this PE's mark into the next PE's word, which must have
// held zero.
func testSwap(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	word, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	old, err := lib.Atomic(ctx, shmem.AMOSwap, k, word, k.FromInt(int64(lib.MyPE()+1)), 0, next(lib))
	if err != nil {
		return err
	}
	t.Equal("previous value", int64(0), k.ToInt(old))

	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, word)
	if err != nil {
		return err
	}
	t.Equal("swapped in by previous PE", []int64{int64(prev(lib) + 1)}, got)
	return nil
}
