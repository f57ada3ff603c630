package suites

import (
	"context"
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func syncCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_wait_until", MinPEs: 2, Shapes: shmem.AtomicKinds, Reduced: true, Body: testWaitUntil},
		{Name: "shmem_test", Shapes: shmem.AllKinds, Body: testTest},
	}
}

// testWaitUntil raises a flag on the next PE and waits for the previous PE to
// raise ours. The wait is bounded by the completion poller, so a lost write
// fails the case instead of hanging the run.
func testWaitUntil(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	flag, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	if err := lib.Put(ctx, flag, k.Encode([]int64{1}), next(lib)); err != nil {
		return err
	}

	raised := k.FromInt(1)
	err = t.Poll(ctx, fmt.Sprintf("flag from pe %d", prev(lib)), func() (bool, error) {
		return lib.Test(ctx, flag, k, shmem.CmpEQ, raised)
	}, func() string {
		v, err := local(ctx, lib, k, flag)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("flag=%d", v[0])
	})
	if err != nil {
		return err
	}
	// The condition already holds, so the library's own wait returns at once.
	if err := lib.WaitUntil(ctx, flag, k, shmem.CmpGE, raised); err != nil {
		return err
	}
	return nil
}

// testTest checks each comparison against a locally stored value.
func testTest(ctx context.Context, t *harness.T, k shmem.Kind) error {
	lib := t.Lib()
	ivar, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	if err := lib.SetLocal(ctx, ivar, k.Encode([]int64{5})); err != nil {
		return err
	}

	checks := []struct {
		cmp   shmem.Cmp
		value int64
		want  bool
	}{
		{shmem.CmpEQ, 5, true},
		{shmem.CmpNE, 5, false},
		{shmem.CmpGT, 4, true},
		{shmem.CmpGE, 6, false},
		{shmem.CmpLT, 6, true},
		{shmem.CmpLE, 4, false},
	}
	for _, c := range checks {
		got, err := lib.Test(ctx, ivar, k, c.cmp, k.FromInt(c.value))
		if err != nil {
			return err
		}
		t.Equal(fmt.Sprintf("test %s %d", c.cmp, c.value), c.want, got)
	}
	return nil
}
