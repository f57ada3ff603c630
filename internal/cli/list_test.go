package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michael-beebe/shmemvv/internal/harness"
)

func TestList_Golden(t *testing.T) {
	stdout, stderr, code := execute(t, "list")
	require.Equal(t, ExitSuccess, code, stderr)
	harness.AssertConsoleGolden(t, "list_all", []byte(stdout))
}

func TestList_Filter(t *testing.T) {
	stdout, stderr, code := execute(t, "list", "--filter", "shmem_*_thread")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "threads\n  shmem_init_thread\n  shmem_query_thread\n", stdout)
}

func TestList_Plan(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.cue")
	require.NoError(t, os.WriteFile(planPath, []byte(`include: ["shmem_team_*"]`+"\n"), 0o644))

	stdout, stderr, code := execute(t, "list", "--plan", planPath)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "teams\n"+
		"  shmem_team_split_strided     min 2 PEs, reduced\n"+
		"  shmem_team_sync              min 2 PEs, reduced\n", stdout)
}

func TestList_JSON(t *testing.T) {
	stdout, stderr, code := execute(t, "--format", "json", "list", "--filter", "shmem_collect")
	require.Equal(t, ExitSuccess, code, stderr)

	var resp struct {
		Status string     `json:"status"`
		Data   []CaseInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, CaseInfo{
		Group:   "collectives",
		Name:    "shmem_collect",
		Op:      "collect",
		Shapes:  []string{"int32", "int64"},
		Reduced: true,
	}, resp.Data[0])
}

func TestList_Errors(t *testing.T) {
	_, stderr, code := execute(t, "list", "--filter", "[")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid filter")

	_, stderr, code = execute(t, "list", "--plan", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "failed to load plan")
}
