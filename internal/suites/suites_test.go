package suites

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/harness"
	"github.com/michael-beebe/shmemvv/internal/quorum"
	"github.com/michael-beebe/shmemvv/internal/shmem"
	"github.com/michael-beebe/shmemvv/internal/shmem/loopback"
	"github.com/michael-beebe/shmemvv/internal/shmem/sqlshm"
)

type launcher func(ctx context.Context, fn func(ctx context.Context, lib *shmem.Runtime) error) error

func onLoopback(npes int) launcher {
	return func(ctx context.Context, fn func(ctx context.Context, lib *shmem.Runtime) error) error {
		return loopback.Run(ctx, npes, fn)
	}
}

func onSQLite(t *testing.T, npes int) launcher {
	path := filepath.Join(t.TempDir(), "run.db")
	return func(ctx context.Context, fn func(ctx context.Context, lib *shmem.Runtime) error) error {
		return sqlshm.Run(ctx, path, "suite", npes, fn)
	}
}

type result struct {
	console string
	sums    []harness.Summary
	logs    []string
}

// runSuite drives cases on every PE the launcher starts.
func runSuite(t *testing.T, npes int, launch launcher, cases []harness.Case, plan *config.Plan) result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var console bytes.Buffer
	sums := make([]harness.Summary, npes)
	bufs := make([]*bytes.Buffer, npes)
	for i := range bufs {
		bufs[i] = &bytes.Buffer{}
	}

	err := launch(ctx, func(ctx context.Context, lib *shmem.Runtime) error {
		if err := lib.Init(ctx); err != nil {
			return err
		}
		me := lib.MyPE()
		log := diaglog.New(diaglog.WithWriter(bufs[me]))
		if err := log.Init("shmemvv", me); err != nil {
			return err
		}
		d := &harness.Driver{
			Lib:        lib,
			Log:        log,
			Frame:      &harness.Frame{Lib: lib, Log: log, Workarounds: plan},
			Aggregator: &harness.Aggregator{Lib: lib, Out: &console, Label: "shmemvv"},
			Caps:       []quorum.Capabilities{lib, plan},
		}
		sum, err := d.Run(ctx, cases)
		if err != nil {
			return err
		}
		sums[me] = sum
		return lib.Finalize(ctx)
	})
	require.NoError(t, err)

	logs := make([]string, npes)
	for i, b := range bufs {
		logs[i] = b.String()
	}
	return result{console: console.String(), sums: sums, logs: logs}
}

func assertNoFailures(t *testing.T, r result) {
	t.Helper()
	for pe, sum := range r.sums {
		for _, o := range sum.Outcomes {
			assert.True(t, o.OK(), "pe %d: %s failed: %s", pe, o.Name, o.Reason)
		}
		if sum.Failed > 0 {
			t.Logf("pe %d log:\n%s", pe, r.logs[pe])
		}
	}
}

func TestAll_SinglePE(t *testing.T) {
	r := runSuite(t, 1, onLoopback(1), All(), nil)

	assertNoFailures(t, r)
	harness.AssertConsoleGolden(t, "suites_1pe", []byte(r.console))
}

func TestAll_Loopback(t *testing.T) {
	for _, npes := range []int{2, 3, 4} {
		r := runSuite(t, npes, onLoopback(npes), All(), nil)

		assertNoFailures(t, r)
		assert.Equal(t, len(All()), strings.Count(r.console, ": PASSED\n"), "npes=%d", npes)
		assert.Equal(t, 0, r.sums[0].ExitCode())
	}
}

func TestAll_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite suite run is slow")
	}
	cases, err := Select(All(), "shmem_[apt]*", nil)
	require.NoError(t, err)

	r := runSuite(t, 2, onSQLite(t, 2), cases, nil)

	assertNoFailures(t, r)
	assert.Equal(t, len(cases), strings.Count(r.console, ": PASSED\n"))
}

func TestFCollect_Workaround(t *testing.T) {
	plan := &config.Plan{Workarounds: map[string]string{"fcollect": "collect"}}
	cases, err := Select(All(), "shmem_fcollect", nil)
	require.NoError(t, err)
	require.Len(t, cases, 1)

	r := runSuite(t, 3, onLoopback(3), cases, plan)

	assertNoFailures(t, r)
	assert.Equal(t, "shmemvv shmem_fcollect: PASSED\n", r.console)
	for pe, log := range r.logs {
		assert.Contains(t, log, "[WARN] workaround active: using collect in place of fcollect", "pe %d", pe)
	}
}

func TestPlanSkipRule(t *testing.T) {
	plan := &config.Plan{Skip: []config.SkipRule{
		{Op: "fcollect"},
		{Op: "reduce.sum", Shapes: []string{"float32", "float64"}},
	}}
	cases, err := Select(All(), "shmem_*collect", plan)
	require.NoError(t, err)
	sum, err := Select(All(), "shmem_sum_reduce", plan)
	require.NoError(t, err)

	r := runSuite(t, 2, onLoopback(2), append(cases, sum...), plan)

	assertNoFailures(t, r)
	assert.Equal(t, "shmemvv shmem_collect: PASSED\n"+
		"shmemvv shmem_fcollect: skipping (fcollect unsupported for float64)\n"+
		"shmemvv shmem_sum_reduce: PASSED\n", r.console)
	assert.Contains(t, r.logs[0], "shmem_sum_reduce<float32>: skipping (reduce.sum unsupported for float32)")
}

func TestSelect(t *testing.T) {
	all := All()

	got, err := Select(all, "", nil)
	require.NoError(t, err)
	assert.Len(t, got, len(all))

	got, err = Select(all, "shmem_team_*", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"shmem_team_split_strided", "shmem_team_sync"}, names(got))

	plan := &config.Plan{Include: []string{"shmem_*_thread"}}
	got, err = Select(all, "", plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"shmem_init_thread", "shmem_query_thread"}, names(got))

	got, err = Select(all, "shmem_put*", plan)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Select(all, "shmem_[", nil)
	assert.Error(t, err)
}

func TestRegistry_UniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, g := range Groups() {
		require.NotEmpty(t, g.Cases, g.Name)
		for _, c := range g.Cases {
			assert.False(t, seen[c.Name], "duplicate case %s", c.Name)
			seen[c.Name] = true
			assert.NotNil(t, c.Body, c.Name)
		}
	}
}

func names(cases []harness.Case) []string {
	out := make([]string, len(cases))
	for i, c := range cases {
		out[i] = c.Name
	}
	return out
}

func TestFCollect_UnknownSubstituteFails(t *testing.T) {
	plan := &config.Plan{Workarounds: map[string]string{"fcollect": "broadcast"}}
	cases, err := Select(All(), "shmem_fcollect", nil)
	require.NoError(t, err)

	r := runSuite(t, 2, onLoopback(2), cases, plan)

	assert.Equal(t, "shmemvv shmem_fcollect: FAILED\n", r.console)
	for pe, sum := range r.sums {
		require.Len(t, sum.Outcomes, 1, "pe %d", pe)
		assert.Contains(t, sum.Outcomes[0].Reason, `no gather named "broadcast"`, "pe %d", pe)
	}
}
