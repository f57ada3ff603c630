package suites

import (
	"context"
	"fmt"

	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/shmem"
)

func teamCases() []harness.Case {
	return []harness.Case{
		{Name: "shmem_team_split_strided", MinPEs: 2, Reduced: true, Body: testTeamSplitStrided},
		{Name: "shmem_team_sync", MinPEs: 2, Reduced: true, Body: testTeamSync},
		{Name: "shmem_ctx_put", MinPEs: 2, Reduced: true, Body: testCtxPut},
	}
}

// evens splits the world team into its even-numbered PEs. Odd PEs get nil.
func evens(ctx context.Context, lib shmem.Library) (*shmem.Team, error) {
	return lib.TeamSplitStrided(ctx, lib.TeamWorld(), 0, 2, (lib.NPEs()+1)/2)
}

func testTeamSplitStrided(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	me := lib.MyPE()
	team, err := evens(ctx, lib)
	if err != nil {
		return err
	}
	if me%2 != 0 {
		t.True("odd PE left out", team == nil, fmt.Sprint(team))
		return nil
	}
	if !t.True("even PE is a member", team != nil, "nil team") {
		return nil
	}
	t.Equal("team size", (lib.NPEs()+1)/2, team.NPEs())
	t.Equal("team rank", me/2, team.MyPE())
	t.Equal("world rank of team rank", me, team.WorldPE(team.MyPE()))
	t.Equal("translated rank", me, team.TranslatePE(team.MyPE(), lib.TeamWorld()))
	return nil
}

func testTeamSync(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	team, err := evens(ctx, lib)
	if err != nil {
		return err
	}
	if team == nil {
		err := lib.TeamSync(ctx, team)
		t.True("non-member rejected", shmem.IsCode(err, shmem.ErrCodeNotMember), fmt.Sprint(err))
		return nil
	}
	err = lib.TeamSync(ctx, team)
	t.True("member synchronizes", err == nil, fmt.Sprint(err))
	return nil
}

// testCtxPut puts through a context created on a duplicate of the world
// team, addressing peers by team rank.
func testCtxPut(ctx context.Context, t *harness.T, _ shmem.Kind) error {
	lib := t.Lib()
	k := shmem.KindInt32
	dup, err := lib.TeamSplitStrided(ctx, lib.TeamWorld(), 0, 1, lib.NPEs())
	if err != nil {
		return err
	}
	dst, err := alloc(ctx, t, k, 1)
	if err != nil {
		return err
	}
	c, err := lib.CtxCreate(dup)
	if err != nil {
		return err
	}

	peer := (dup.MyPE() + 1) % dup.NPEs()
	if err := c.PutNBI(ctx, dst, k.Encode([]int64{int64(lib.MyPE())}), peer); err != nil {
		return err
	}
	if err := c.Quiet(ctx); err != nil {
		return err
	}
	if err := lib.BarrierAll(ctx); err != nil {
		return err
	}
	got, err := local(ctx, lib, k, dst)
	if err != nil {
		return err
	}
	t.Equal("received through context", []int64{int64(prev(lib))}, got)

	if err := c.Destroy(ctx); err != nil {
		return err
	}
	return nil
}
