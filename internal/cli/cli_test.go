package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core"
)

// run executes one command line against dir and returns its stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test", "none", "unknown")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--data-dir", dir, "--env-file", "", "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "init", "--dim", "4", "--metric", "euclidean")
	require.NoError(t, err)
	assert.Contains(t, out, "dim=4 metric=euclidean")

	_, err = run(t, dir, "init", "--dim", "4")
	assert.Error(t, err, "init refuses to overwrite without --force")

	input := filepath.Join(t.TempDir(), "records.jsonl")
	lines := strings.Join([]string{
		`{"id": "a", "vector": [1, 0, 0, 0], "metadata": {"gene": "BRCA1", "af": 0.01}}`,
		`{"id": "b", "vector": [0, 1, 0, 0], "metadata": {"gene": "TP53", "af": 0.2}}`,
		``,
		`{"id": "c", "vector": [0, 0, 1, 0], "metadata": {"gene": "BRCA1", "af": 0.5}}`,
	}, "\n")
	require.NoError(t, os.WriteFile(input, []byte(lines), 0o644))

	out, err = run(t, dir, "import", input, "--batch", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 records, index holds 3")

	out, err = run(t, dir, "search", "--vector", "0.9 0.1 0 0", "-k", "2")
	require.NoError(t, err)
	var res []core.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)

	out, err = run(t, dir, "search", "--vector", "0 0 1 0", "-k", "3", "--filter", `{"gene": "BRCA1", "af": {"$gt": 0.1}}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 1)
	assert.Equal(t, "c", res[0].ID)
	assert.Equal(t, "BRCA1", res[0].Metadata["gene"].Str())
	assert.Nil(t, res[0].Vector)

	out, err = run(t, dir, "search", "--vector", "0 0 1 0", "-k", "1", "--with-vectors")
	require.NoError(t, err)
	var withVecs []core.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &withVecs))
	require.Len(t, withVecs, 1)
	assert.Equal(t, []float32{0, 0, 1, 0}, withVecs[0].Vector)
	assert.Equal(t, 0.5, withVecs[0].Metadata["af"].Num())

	_, err = run(t, dir, "search", "--vector", "0 0 1 0", "--filter", `{"gene": {"$regex": "BR"}}`)
	assert.Error(t, err)

	out, err = run(t, dir, "get", "b")
	require.NoError(t, err)
	assert.Contains(t, out, `"TP53"`)
	_, err = run(t, dir, "get", "zzz")
	assert.Error(t, err)

	out, err = run(t, dir, "get", "b", "--vector-only")
	require.NoError(t, err)
	assert.Equal(t, "0 1 0 0\n", out)
	out, err = run(t, dir, "search", "--vector", strings.TrimSpace(out), "-k", "1")
	require.NoError(t, err)
	var self []core.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &self))
	require.Len(t, self, 1)
	assert.Equal(t, "b", self[0].ID)

	out, err = run(t, dir, "delete", "a", "missing")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 of 2")

	out, err = run(t, dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_vectors": 2`)
	assert.Contains(t, out, `"tombstones": 1`)

	out, err = run(t, dir, "compact")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed 1 slots, index holds 2")

	out, err = run(t, dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"tombstones": 0`)
}

func TestImportCreatesIndexFromFirstRecord(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(`{"vector": [0.5, 0.5, 0.5]}`+"\n"), 0o644))

	out, err := run(t, dir, "import", input)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 records")

	out, err = run(t, dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"dimensions": 3`)
}

func TestBenchSynthetic(t *testing.T) {
	out, err := run(t, t.TempDir(), "bench", "--synthetic", "300", "--dim", "8", "--queries", "20", "--ef", "64", "--recall")
	require.NoError(t, err)

	var rep benchReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 300, rep.Vectors)
	assert.Equal(t, 20, rep.Queries)
	assert.LessOrEqual(t, rep.P50Ms, rep.P95Ms)
	assert.LessOrEqual(t, rep.P95Ms, rep.P99Ms)
	assert.Greater(t, rep.Recall, 0.9)
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "genovec test")
}
