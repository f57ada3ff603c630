package suites

import (
	"context"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

// rmaElems is the element count moved by the RMA cases.
const rmaElems = 4

func rmaCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_put", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testPut},
		{Name: "shmem_get", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testGet},
		{Name: "shmem_put_nbi", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testPutNBI},
		{Name: "shmem_get_nbi", MinPEs: 2, Shapes: shmem.AllKinds, Reduced: true, Body: testGetNBI},
	}
}

// pattern is the data PE pe owns in the RMA cases. It fits every shape.
func pattern(pe int) []int64 {
	return seq(rmaElems, func(i int) int64 { return int64(pe*10 + i) })
}

// testPut writes this PE's pattern into the next PE around the ring.
func testPut(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	dst, err := alloc(ctx, t, k, rmaElems)
	if err != nil {
		return err
	}
	if err := lib.Put(ctx, dst, k.Encode(pattern(lib.MyPE())), next(lib)); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("received from previous PE", pattern(prev(lib)), got)
	return nil
}

// testGet reads the next PE's pattern.
func testGet(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	src, err := alloc(ctx, t, k, rmaElems)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, src, k.Encode(pattern(lib.MyPE()))); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	buf := make([]byte, rmaElems*k.Size())
	if err := lib.Get(ctx, buf, src, next(lib)); err != nil {
		return err
	}
	t.Equal("fetched from next PE", pattern(next(lib)), k.Decode(buf))
	return nil
}

// testPutNBI issues one non-blocking put per element and completes them with
// quiet.
func testPutNBI(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	dst, err := alloc(ctx, t, k, rmaElems)
	if err != nil {
		return err
	}
	vals := pattern(lib.MyPE())
	for i, v := range vals {
		elem := dst.Slice(i*k.Size(), k.Size())
		if err := lib.PutNBI(ctx, elem, k.Encode([]int64{v}), next(lib)); err != nil {
			return err
		}
	}
	if err := lib.Quiet(ctx); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("received after quiet", pattern(prev(lib)), got)
	return nil
}

// testGetNBI checks that a non-blocking get has landed once quiet returns.
func testGetNBI(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	src, err := alloc(ctx, t, k, rmaElems)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, src, k.Encode(pattern(lib.MyPE()))); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	buf := make([]byte, rmaElems*k.Size())
	if err := lib.GetNBI(ctx, buf, src, next(lib)); err != nil {
		return err
	}
	if err := lib.Quiet(ctx); err != nil {
		return err
	}
	t.Equal("fetched after quiet", pattern(next(lib)), k.Decode(buf))
	return nil
}
