// Package fsutil holds small filesystem helpers shared by the stores.
package fsutil

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic replaces path with data so readers never observe a partial
// file. Missing parent directories are created. An existing file keeps its
// permissions; perm applies to new files.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some platforms refuse to fsync directories; the rename already happened.
	_ = d.Sync()
	return nil
}
