package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/diaglog"
	"github.com/michael-beebe/shmemvv/internal/poll"
)

func TestRun_LoopbackPasses(t *testing.T) {
	logDir := t.TempDir()

	stdout, stderr, code := execute(t, "run", "--npes", "2", "--filter", "shmem_put", "--log-dir", logDir)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "shmemvv shmem_put: PASSED\n", stdout)

	// Every PE writes its own diagnostic log.
	logs, err := filepath.Glob(filepath.Join(logDir, "shmemvv.pe*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRun_Label(t *testing.T) {
	stdout, stderr, code := execute(t, "run", "-n", "2", "--filter", "shmem_init", "--label", "sos", "--log-dir", t.TempDir())
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "sos shmem_init: PASSED\n", stdout)
}

func TestRun_NotEnoughPEs(t *testing.T) {
	stdout, stderr, code := execute(t, "run", "--npes", "1", "--filter", "shmem_put", "--log-dir", t.TempDir())
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "shmemvv shmem_put: not enough PEs, skipping\n", stdout)
}

func TestRun_PlanSkip(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(`
include:
  - "shmem_*_reduce"
skip:
  - op: reduce.max
    reason: no max reduction in this build
`), 0o644))

	stdout, stderr, code := execute(t, "run", "--npes", "2", "--plan", planPath, "--log-dir", t.TempDir())
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "shmemvv shmem_sum_reduce: PASSED\n"+
		"shmemvv shmem_max_reduce: skipping (reduce.max unsupported for float64)\n"+
		"shmemvv shmem_and_reduce: PASSED\n", stdout)
}

func TestRun_CommandErrors(t *testing.T) {
	badPlan := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(badPlan, []byte("bogus: true\n"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown backend", []string{"run", "--backend", "mpi"}, "unknown backend"},
		{"zero npes", []string{"run", "--npes", "0"}, "invalid --npes 0"},
		{"bad plan", []string{"run", "--plan", badPlan}, "failed to load plan"},
		{"missing plan", []string{"run", "--plan", filepath.Join(t.TempDir(), "none.yaml")}, "failed to load plan"},
		{"bad filter", []string{"run", "--filter", "shmem_["}, "invalid filter"},
		{"sqlite without job", []string{"run", "--backend", "sqlite"}, "use launch to start a job"},
		{"extra args", []string{"run", "shmem_put"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, code := execute(t, tt.args...)
			assert.Equal(t, ExitCommandError, code)
			assert.Empty(t, stdout)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_JSON(t *testing.T) {
	stdout, stderr, code := execute(t, "--format", "json", "run", "--npes", "3", "--filter", "shmem_n_pes", "--log-dir", t.TempDir())
	require.Equal(t, ExitSuccess, code, stderr)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "loopback", resp.Data.Backend)
	assert.Equal(t, 3, resp.Data.NPEs)
	assert.Equal(t, 1, resp.Data.Summary.Total)
	assert.Equal(t, 1, resp.Data.Summary.Passed)
	require.Len(t, resp.Data.Summary.Outcomes, 1)
	assert.Equal(t, "shmem_n_pes", resp.Data.Summary.Outcomes[0].Name)
}

func TestRun_RecordsToStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "run.db")

	_, stderr, code := execute(t, "run", "--npes", "2", "--filter", "shmem_[bg]*", "--store", dbPath, "--run-id", "run-1", "--log-dir", dir)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "recording outcomes")

	stdout, stderr, code := execute(t, "report", "--store", dbPath, "run-1")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "shmemvv shmem_get: PASSED\n")
	assert.Contains(t, stdout, "shmemvv shmem_get_nbi: PASSED\n")
	assert.Contains(t, stdout, "shmemvv shmem_barrier_all: PASSED\n")
	assert.Contains(t, stdout, "shmemvv shmem_broadcast: PASSED\n")
	assert.Contains(t, stdout, "4 cases: 4 passed, 0 failed, 0 skipped (run run-1, 2 PEs)")
}

func TestPEEnv_FramePollsWithDefaultBackoff(t *testing.T) {
	e := &peEnv{timeout: 2 * time.Second}
	f := e.frame(nil, diaglog.New())
	assert.Equal(t, poll.DefaultBackoff, f.Backoff)
	assert.Equal(t, 2*time.Second, f.Timeout)

	// A plan's poll bound wins over the flag.
	e.plan = &config.Plan{PollTimeout: "500ms"}
	f = e.frame(nil, diaglog.New())
	assert.Equal(t, 500*time.Millisecond, f.Timeout)
	assert.Equal(t, poll.DefaultBackoff, f.Backoff)
}
