package suites

import (
	"context"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func threadCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_init_thread", Body: testInitThread},
		{Name: "shmem_query_thread", Body: testQueryThread},
	}
}

// testInitThread asks for full thread support. A lower grant is legal; a
// higher one, or a query disagreeing with the grant, is not.
func testInitThread(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	provided, err := lib.InitThread(ctx, shmem.ThreadMultiple)
	if err != nil {
		return err
	}
	t.Logf("requested %s, provided %s", shmem.ThreadMultiple, provided)
	t.True("provided level not above requested", provided <= shmem.ThreadMultiple, provided.String())
	t.Equal("query_thread", provided, lib.QueryThread())
	return nil
}

func testQueryThread(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	level := t.Lib().QueryThread()
	t.True("known thread level", level >= shmem.ThreadSingle && level <= shmem.ThreadMultiple, level.String())
	return nil
}
