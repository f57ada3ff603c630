package suites

import (
	"context"
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func setupCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_init", Body: testInit},
		{Name: "shmem_my_pe", Reduced: true, Body: testMyPE},
		{Name: "shmem_n_pes", Reduced: true, Body: testNPEs},
		{Name: "shmem_barrier_all", MinPEs: 2, Reduced: true, Body: testBarrierAll},
	}
}

// testInit checks that a second init on a running library is harmless.
func testInit(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	err := t.Lib().Init(ctx)
	t.True("repeated init succeeds", err == nil, fmt.Sprint(err))
	return nil
}

func testMyPE(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	me, n := t.Lib().MyPE(), t.Lib().NPEs()
	t.True("rank within group", me >= 0 && me < n, fmt.Sprintf("rank %d of %d", me, n))
	return nil
}

// testNPEs sums a one from every PE and compares it to the reported size.
func testNPEs(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	k := shmem.KindInt32
	s, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, s, k.Encode([]int64{1})); err != nil {
		return err
	}
	if err := lib.Reduce(ctx, lib.TeamWorld(), shmem.ReduceSum, k, s, s, 1); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, s)
	if err != nil {
		return err
	}
	t.EqualValues("PEs counted", []int{lib.NPEs()}, got)
	return nil
}

// testBarrierAll has every PE write its mark on PE 0 before the barrier;
// after it PE 0 must see all of them.
func testBarrierAll(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	me, n := lib.MyPE(), lib.NPEs()
	k := shmem.KindInt32
	marks, err := alloc(ctx, t, k, n)
	if err != nil {
		return err
	}
	if err := lib.Put(ctx, marks.Slice(me*k.Size(), k.Size()), k.Encode([]int64{int64(me + 1)}), 0); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	if me == 0 {
		got, err := local(ctx, lib, k, marks)
		if err != nil {
			return err
		}
		t.Equal("marks after barrier", seq(n, func(i int) int64 { return int64(i + 1) }), got)
	}
	return nil
}
