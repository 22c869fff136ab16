package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotebookKey(t *testing.T) {
	assert.Equal(t, "jobs/daily-report/analysis.ipynb", NotebookKey("daily-report", "analysis.ipynb"))
	assert.Equal(t, "analysis.ipynb", NotebookName("jobs/daily-report/analysis.ipynb"))
	assert.Equal(t, "bare.ipynb", NotebookName("bare.ipynb"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "a/b", []byte("one")))
	body, err := m.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), body)

	_, err = m.Get(ctx, "a/missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, "a/b"))
	_, err = m.Get(ctx, "a/b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "daily-report/20240601/part-0001.csv", nil))
	require.NoError(t, m.Put(ctx, "daily-report/20240601/part-0000.csv", nil))
	require.NoError(t, m.Put(ctx, "daily-report/20240602/part-0000.csv", nil))
	// A key directly under the prefix has no run segment and is skipped.
	require.NoError(t, m.Put(ctx, "daily-report/readme.txt", nil))
	// Another job's keys never leak in.
	require.NoError(t, m.Put(ctx, "daily-report-v2/20240601/part-0000.csv", nil))

	results, err := Results(ctx, m, "daily-report")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{
		"daily-report/20240601/part-0000.csv",
		"daily-report/20240601/part-0001.csv",
	}, results["20240601"])
	assert.Len(t, results["20240602"], 1)
}
