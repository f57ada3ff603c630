package suites

import (
	"context"
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func collectiveCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_broadcast", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testBroadcast},
		{Name: "shmem_sum_reduce", Op: "reduce.sum", Shapes: shmem.AllKinds, Reduced: true, Body: testSumReduce},
		{Name: "shmem_max_reduce", Op: "reduce.max", Shapes: shmem.AllKinds, Reduced: true, Body: testMaxReduce},
		{Name: "shmem_and_reduce", Op: "reduce.and", Shapes: shmem.AllKinds, Reduced: true, Body: testAndReduce},
		{Name: "shmem_alltoall", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testAllToAll},
		{Name: "shmem_collect", Op: "collect", Shapes: []shmem.Kind{shmem.KindInt32, shmem.KindInt64}, Reduced: true, Body: testCollect},
		{Name: "shmem_fcollect", Op: "fcollect", Shapes: shmem.AllKinds, Reduced: true, Body: testFCollect},
	}
}

const broadcastRoot = 0

func testBroadcast(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	const elems = 4
	want := seq(elems, func(i int) int64 { return int64(7 + i) })

	src, err := alloc(ctx, t, k, elems)
	if err != nil {
		return err
	}
	dst, err := alloc(ctx, t, k, elems)
	if err != nil {
		return err
	}
	if lib.MyPE() == broadcastRoot {
		if err := lib.SetLocal(ctx, src, k.Encode(want)); err != nil {
			return err
		}
	}
	if err := lib.Broadcast(ctx, lib.TeamWorld(), dst, src, elems*k.Size(), broadcastRoot); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("broadcast values", want, got)

	return nil
}

// reduce loads contrib into a fresh buffer, reduces it in place over the
// world team and returns the result.
func reduce(ctx context.Context, t *harness.T, op shmem.ReduceOp, k shmem.Kind, contrib []int64) ([]int64, error) {
	lib := t.Lib()
	s, err := alloc(ctx, t, k, len(contrib))
	if err != nil {
		return nil, err
	}
	if err := lib.SetLocal(ctx, s, k.Encode(contrib)); err != nil {
		return nil, err
	}
	if err := lib.Reduce(ctx, lib.TeamWorld(), op, k, s, s, len(contrib)); err != nil {
		return nil, err
	}
	return local(ctx, lib, k, s)
}

func testSumReduce(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me, n := int64(lib.MyPE()), int64(lib.NPEs())
	got, err := reduce(ctx, t, shmem.ReduceSum, k, []int64{me + 1, 2 * (me + 1)})
	if err != nil {
		return err
	}
	total := n * (n + 1) / 2
	t.Equal("sum", []int64{total, 2 * total}, got)
	return nil
}

func testMaxReduce(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me, n := int64(lib.MyPE()), int64(lib.NPEs())
	got, err := reduce(ctx, t, shmem.ReduceMax, k, []int64{me, n - 1 - me, 5})
	if err != nil {
		return err
	}
	t.Equal("max", []int64{n - 1, n - 1, 5}, got)
	return nil
}

// andMask clears one bit per PE so the AND shows which PEs contributed.
func andMask(pe int) int64 {
	return 0x3f &^ (1 << (pe % 6))
}

func testAndReduce(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	got, err := reduce(ctx, t, shmem.ReduceAnd, k, []int64{andMask(lib.MyPE()), 0x7f})
	if err != nil {
		return err
	}
	want := int64(0x3f)
	for pe := 0; pe < lib.NPEs(); pe++ {
		want &= andMask(pe)
	}
	t.Equal("and", []int64{want, 0x7f}, got)
	return nil
}

// testAllToAll sends block j to PE j; PE j stores it at block MyPE.
func testAllToAll(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me, n := lib.MyPE(), lib.NPEs()
	src, err := alloc(ctx, t, k, n)
	if err != nil {
		return err
	}
	dst, err := alloc(ctx, t, k, n)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, src, k.Encode(seq(n, func(j int) int64 { return int64(me*10 + j) }))); err != nil {
		return err
	}
	if err := lib.AllToAll(ctx, lib.TeamWorld(), dst, src, k.Size()); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("blocks received", seq(n, func(j int) int64 { return int64(j*10 + me) }), got)

	return nil
}

// collectWant is the concatenation of every PE's contribution when PE i
// contributes i+1 copies of i.
func collectWant(n int) []int64 {
	var want []int64
	for pe := 0; pe < n; pe++ {
		for i := 0; i <= pe; i++ {
			want = append(want, int64(pe))
		}
	}
	return want
}

func testCollect(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me, n := lib.MyPE(), lib.NPEs()
	src, err := alloc(ctx, t, k, n)
	if err != nil {
		return err
	}
	dst, err := alloc(ctx, t, k, n*(n+1)/2)
	if err != nil {
		return err
	}
	contrib := seq(me+1, func(int) int64 { return int64(me) })
	if err := lib.SetLocal(ctx, src, k.Encode(contrib)); err != nil {
		return err
	}
	if err := lib.Collect(ctx, lib.TeamWorld(), dst, src, len(contrib)*k.Size()); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("collected", collectWant(n), got)

	return nil
}

// testFCollect gathers one element from every PE. A build with a defective
// fcollect can route it through collect via the plan's workaround table.
func testFCollect(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	me, n := lib.MyPE(), lib.NPEs()
	src, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	dst, err := alloc(ctx, t, k, n)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, src, k.Encode([]int64{int64(100 + me)})); err != nil {
		return err
	}

	gathers := map[string]func(context.Context, *shmem.Team, shmem.Sym, shmem.Sym, int) error{
		"fcollect": lib.FCollect,
		"collect":  lib.Collect,
	}
	op := t.Resolve("fcollect")
	gather, ok := gathers[op]
	if !ok {
		return fmt.Errorf("fcollect: no gather named %q", op)
	}
	if err := gather(ctx, lib.TeamWorld(), dst, src, k.Size()); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("collected", seq(n, func(i int) int64 { return int64(100 + i) }), got)

	return nil
}
