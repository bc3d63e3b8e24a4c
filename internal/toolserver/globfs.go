package toolserver

import (
	"io/fs"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// globFS narrows a filesystem listing to the files matching a doublestar
// pattern, so a glob path can be copied like a directory.
type globFS struct {
	fs.FS
	pattern string
}

func (g globFS) ReadDir(name string) ([]fs.DirEntry, error) {
	entries, err := fs.ReadDir(g.FS, name)
	if err != nil {
		return nil, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.IsDir() {
			kept = append(kept, e)
			continue
		}
		if ok, _ := doublestar.Match(g.pattern, path.Join(name, e.Name())); ok {
			kept = append(kept, e)
		}
	}
	return kept, nil
}
