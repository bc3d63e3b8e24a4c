package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/flow/internal/workflow"
)

func definitionYAML(id, name string) string {
	return `id: ` + id + `
name: ` + name + `
nodes:
  start: {type: start}
  work: {type: task}
  done: {type: end}
edges:
  - {from: start, to: work}
  - {from: work, to: done, on: passed}
`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type gaugeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (g *gaugeRecorder) DefinitionsLoaded(kind string, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts == nil {
		g.counts = map[string]int{}
	}
	g.counts[kind] = count
}

func TestPrecedenceProjectOverExternalOverCatalog(t *testing.T) {
	catalog := fstest.MapFS{
		"workflows/feature.yaml": {Data: []byte(definitionYAML("feature", "Catalog feature"))},
		"workflows/bugfix.yaml":  {Data: []byte(definitionYAML("bugfix", "Catalog bugfix"))},
		"workflows/review.yaml":  {Data: []byte(definitionYAML("review", "Catalog review"))},
	}
	external := t.TempDir()
	writeFile(t, filepath.Join(external, "shared", "bugfix.yaml"), definitionYAML("bugfix", "Shared bugfix"))
	writeFile(t, filepath.Join(external, "shared", "review.yml"), definitionYAML("review", "Shared review"))
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "review.yaml"), definitionYAML("review", "Project review"))

	gauges := &gaugeRecorder{}
	s := New(WithObserver(gauges))
	// Registration order must not matter for precedence.
	_, err := s.LoadSource(Source{Name: "project", Kind: KindProject, Paths: []string{project}})
	require.NoError(t, err)
	_, err = s.LoadSource(Source{Name: "catalog", Kind: KindCatalog, FS: catalog, Paths: []string{"workflows/*.yaml"}})
	require.NoError(t, err)
	_, err = s.LoadSource(Source{Name: "external", Kind: KindExternal, Paths: []string{filepath.Join(external, "**", "*.{yaml,yml}")}})
	require.NoError(t, err)

	def, err := s.Resolve("review")
	require.NoError(t, err)
	assert.Equal(t, "Project review", def.Name)
	def, err = s.Resolve("bugfix")
	require.NoError(t, err)
	assert.Equal(t, "Shared bugfix", def.Name)
	def, err = s.Resolve("feature")
	require.NoError(t, err)
	assert.Equal(t, "Catalog feature", def.Name)

	summaries := s.List("")
	require.Len(t, summaries, 3)
	assert.Equal(t, "bugfix", summaries[0].ID)
	assert.Equal(t, KindExternal, summaries[0].Source)
	assert.Equal(t, 1, summaries[0].Steps)
	assert.Len(t, s.List(KindCatalog), 1)
	assert.Len(t, s.Shadowed("review"), 2)

	assert.Equal(t, map[string]int{"project": 1, "external": 1, "catalog": 1}, gauges.counts)

	sources := s.Sources()
	require.Len(t, sources, 3)
	assert.Equal(t, KindProject, sources[0].Kind)
	assert.Equal(t, KindCatalog, sources[2].Kind)
}

func TestResolveUnknown(t *testing.T) {
	s := New()
	_, err := s.Resolve("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReloadReplacesSourceWholesale(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), definitionYAML("alpha", "Alpha v1"))
	writeFile(t, filepath.Join(dir, "b.yaml"), definitionYAML("beta", "Beta"))
	s := New()
	src := Source{Name: "project", Kind: KindProject, Paths: []string{dir}}

	report, err := s.LoadSource(src)
	require.NoError(t, err)
	assert.Len(t, report.Loaded, 2)

	report, err = s.LoadSource(src)
	require.NoError(t, err)
	assert.Empty(t, report.Loaded, "identical reload is a no-op")
	assert.Equal(t, []string{"alpha", "beta"}, report.Unchanged)

	writeFile(t, filepath.Join(dir, "a.yaml"), `id: alpha
name: Alpha v2
nodes:
  start: {type: start}
  done: {type: end}
edges:
  - {from: start, to: done}
`)
	require.NoError(t, os.Remove(filepath.Join(dir, "b.yaml")))
	report, err = s.LoadSource(src)
	require.NoError(t, err)
	require.Len(t, report.Loaded, 1)
	assert.Equal(t, []string{"beta"}, report.Removed)

	def, err := s.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", def.Name)
	_, hasWork := def.Node("work")
	assert.False(t, hasWork, "no merge with the prior definition")
	_, err = s.Resolve("beta")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadSourceReportsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"), definitionYAML("good", "Good"))
	writeFile(t, filepath.Join(dir, "bad.yaml"), "id: bad\nnodes:\n  done: {type: end}\n")
	writeFile(t, filepath.Join(dir, "dup.yaml"), definitionYAML("good", "Duplicate"))
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	s := New()
	report, err := s.LoadSource(Source{Name: "project", Kind: KindProject, Paths: []string{dir}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrInvalidDefinition))
	require.Len(t, report.Errors, 2)
	assert.Len(t, report.Loaded, 1)

	def, err := s.Resolve("good")
	require.NoError(t, err)
	assert.Equal(t, "Duplicate", def.Name, "files load in path order; the later duplicate is rejected")
}

func TestSourceIDFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.yaml"), definitionYAML("keep", "Keep"))
	writeFile(t, filepath.Join(dir, "drop.yaml"), definitionYAML("drop", "Drop"))

	s := New()
	report, err := s.LoadSource(Source{Name: "ext", Kind: KindExternal, Paths: []string{dir}, IDs: []string{"keep"}})
	require.NoError(t, err)
	require.Len(t, report.Loaded, 1)
	assert.Equal(t, "keep", report.Loaded[0].ID)
	assert.Equal(t, []string{"drop"}, report.Skipped)

	_, err = s.Resolve("drop")
	assert.True(t, errors.Is(err, ErrNotFound))

	reports, err := s.Reload()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"keep"}, reports[0].Unchanged)
	_, err = s.Resolve("drop")
	assert.True(t, errors.Is(err, ErrNotFound), "reloads keep the filter")
}

func TestMissingDirectoryIsEmptySource(t *testing.T) {
	s := New()
	report, err := s.LoadSource(Source{Name: "project", Kind: KindProject, Paths: []string{filepath.Join(t.TempDir(), "absent")}})
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
}

func TestAddAndRemove(t *testing.T) {
	s := New()
	def, err := workflow.ParseDefinition([]byte(definitionYAML("inline", "Inline")))
	require.NoError(t, err)
	require.NoError(t, s.Add("inline", KindExternal, def, "tool call"))

	entry, err := s.Entry("inline")
	require.NoError(t, err)
	assert.Equal(t, "tool call", entry.Path)
	assert.NotSame(t, def, entry.Definition)

	assert.True(t, s.Remove("inline"))
	assert.False(t, s.Remove("inline"))
	_, err = s.Resolve("inline")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConcurrentResolveDuringReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), definitionYAML("alpha", "Alpha"))
	s := New()
	src := Source{Name: "project", Kind: KindProject, Paths: []string{dir}}
	_, err := s.LoadSource(src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				def, err := s.Resolve("alpha")
				if assert.NoError(t, err) {
					assert.Equal(t, "alpha", def.ID)
				}
			}
		}()
	}
	for j := 0; j < 10; j++ {
		_, err := s.LoadSource(src)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestWatchReloadsChangedDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), definitionYAML("alpha", "Alpha v1"))
	s := New()
	_, err := s.LoadSource(Source{Name: "project", Kind: KindProject, Paths: []string{dir}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan Report, 8)
	require.NoError(t, s.Watch(ctx, WithDebounce(20*time.Millisecond), WithReloadHook(func(r Report) { reloads <- r })))

	writeFile(t, filepath.Join(dir, "a.yaml"), definitionYAML("alpha", "Alpha v2"))

	require.Eventually(t, func() bool {
		def, err := s.Resolve("alpha")
		return err == nil && def.Name == "Alpha v2"
	}, 5*time.Second, 20*time.Millisecond)
}
