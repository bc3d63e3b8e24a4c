package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/lint"
	"github.com/kingrea/flow/internal/workflow/store"
)

func TestBuiltinsParseAndLintClean(t *testing.T) {
	assert.Equal(t, []string{"bugfix", "feature", "review"}, IDs())
	for _, id := range IDs() {
		def, err := Definition(id)
		require.NoError(t, err, id)
		diags := lint.Check(def)
		assert.Empty(t, diags, "%s: %v", id, diags)
	}
}

func TestSourceLoadsIntoStore(t *testing.T) {
	s := store.New()
	report, err := s.LoadSource(Source())
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 3)
	for _, summary := range s.List(store.KindCatalog) {
		assert.Equal(t, store.KindCatalog, summary.Source)
		assert.Positive(t, summary.Steps)
	}
}

func TestCopyWritesAndSkipsExisting(t *testing.T) {
	dst := t.TempDir()
	report, err := Copy(dst, []string{"bugfix"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"bugfix"}, report.Copied)

	path := filepath.Join(dst, "bugfix.yaml")
	def, err := workflow.LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bugfix", def.ID)

	require.NoError(t, os.WriteFile(path, []byte("local edits"), 0o644))
	report, err = Copy(dst, []string{"bugfix"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"bugfix"}, report.Skipped)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "local edits", string(data))

	report, err = Copy(dst, []string{"bugfix"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"bugfix"}, report.Copied)
}

func TestCopyAllAndUnknown(t *testing.T) {
	dst := t.TempDir()
	report, err := Copy(dst, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"bugfix", "feature", "review"}, report.Copied)

	_, err = Copy(dst, []string{"nope"}, false)
	assert.True(t, errors.Is(err, ErrUnknownWorkflow))
}

func TestCopyFromArbitraryFS(t *testing.T) {
	src := fstest.MapFS{
		"team/hotfix.yml": {Data: []byte(`
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: done}
`)},
	}
	dst := t.TempDir()
	report, err := CopyFrom(src, dst, []string{"hotfix"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "hotfix.yml")}, report.Paths)
}
