// Package catalog ships the built-in workflow definitions and copies them,
// or definitions from any other source, into a project.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kingrea/flow/internal/fsutil"
	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/store"
)

//go:embed workflows/*.yaml
var embedded embed.FS

// SourceName is the store source name used for the built-in catalog.
const SourceName = "catalog"

// ErrUnknownWorkflow is returned when a requested id is not in the source.
var ErrUnknownWorkflow = errors.New("catalog: unknown workflow")

// FS exposes the built-in definitions rooted at their directory.
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "workflows")
	if err != nil {
		panic(err)
	}
	return sub
}

// Source describes the built-in catalog for the workflow store.
func Source() store.Source {
	return store.Source{Name: SourceName, Kind: store.KindCatalog, FS: FS(), Paths: []string{store.DefinitionPattern}}
}

// File is one definition found in a source filesystem.
type File struct {
	ID         string
	Path       string
	Data       []byte
	Definition *workflow.Definition
}

// Scan parses every definition file in fsys keyed by workflow id.
func Scan(fsys fs.FS) (map[string]File, error) {
	matches, err := doublestar.Glob(fsys, store.DefinitionPattern)
	if err != nil {
		return nil, fmt.Errorf("catalog: scan: %w", err)
	}
	sort.Strings(matches)
	out := make(map[string]File, len(matches))
	var errs []error
	for _, m := range matches {
		data, err := fs.ReadFile(fsys, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		base := path.Base(m)
		def, err := workflow.ParseDefinitionWithID(data, strings.TrimSuffix(base, path.Ext(base)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		if _, dup := out[def.ID]; dup {
			continue
		}
		out[def.ID] = File{ID: def.ID, Path: m, Data: data, Definition: def}
	}
	return out, errors.Join(errs...)
}

// IDs lists the built-in workflow ids.
func IDs() []string {
	files, _ := Scan(FS())
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Definition returns a built-in definition.
func Definition(id string) (*workflow.Definition, error) {
	files, err := Scan(FS())
	if err != nil {
		return nil, err
	}
	f, ok := files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return f.Definition, nil
}

// CopyReport lists what a copy wrote and skipped.
type CopyReport struct {
	Copied  []string `json:"copied"`
	Skipped []string `json:"skipped,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// Copy writes built-in definitions into dst. See CopyFrom.
func Copy(dst string, ids []string, force bool) (CopyReport, error) {
	return CopyFrom(FS(), dst, ids, force)
}

// CopyFrom writes definitions from fsys into dst as <id><ext>. Empty ids
// copies everything. Existing files are kept unless force is set. Source
// bytes are copied verbatim so comments survive.
func CopyFrom(fsys fs.FS, dst string, ids []string, force bool) (CopyReport, error) {
	files, scanErr := Scan(fsys)
	if len(ids) == 0 {
		for id := range files {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var report CopyReport
	for _, id := range ids {
		id = strings.TrimSpace(id)
		f, ok := files[id]
		if !ok {
			return report, errors.Join(fmt.Errorf("%w: %s", ErrUnknownWorkflow, id), scanErr)
		}
		target := filepath.Join(dst, id+path.Ext(f.Path))
		if !force {
			if _, err := os.Stat(target); err == nil {
				report.Skipped = append(report.Skipped, id)
				continue
			}
		}
		if err := fsutil.WriteFileAtomic(target, f.Data, 0o644); err != nil {
			return report, fmt.Errorf("catalog: write %s: %w", target, err)
		}
		report.Copied = append(report.Copied, id)
		report.Paths = append(report.Paths, target)
	}
	return report, scanErr
}
