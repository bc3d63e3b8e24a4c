package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/flow/internal/workflow"
)

// DefaultDebounce is how long Watch waits for a burst of changes to settle.
const DefaultDebounce = 300 * time.Millisecond

// WatchOption customizes Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	onReload func(Report)
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithReloadHook is called after each source reload triggered by a change.
func WithReloadHook(fn func(Report)) WatchOption {
	return func(c *watchConfig) {
		c.onReload = fn
	}
}

// Watch reloads on-disk sources when their definition files change. It
// returns once the watches are installed; the watcher stops when ctx ends.
func (s *Store) Watch(ctx context.Context, opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	owners := map[string][]string{}
	for _, src := range s.Sources() {
		if !src.Watchable() {
			continue
		}
		for _, dir := range watchRoots(src.Paths) {
			owners[dir] = appendUnique(owners[dir], src.Name)
			if err := addRecursive(fsw, dir); err != nil {
				s.logger.Warn("workflow watch skipped", "path", dir, "error", err)
			}
		}
	}
	go s.watchLoop(ctx, fsw, owners, cfg)
	s.logger.Info("workflow watcher started", "roots", len(owners), "debounce", cfg.debounce)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, owners map[string][]string, cfg watchConfig) {
	defer fsw.Close()
	ticker := time.NewTicker(cfg.debounce)
	defer ticker.Stop()
	pending := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(fsw, event.Name)
				}
			}
			if !workflow.IsDefinitionFile(event.Name) {
				continue
			}
			for root, names := range owners {
				if within(root, event.Name) {
					for _, name := range names {
						pending[name] = true
					}
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("workflow watcher error", "error", err)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			names := pending
			pending = map[string]bool{}
			s.reloadNamed(names, cfg.onReload)
		}
	}
}

func (s *Store) reloadNamed(names map[string]bool, hook func(Report)) {
	for _, src := range s.Sources() {
		if !names[src.Name] {
			continue
		}
		report, err := s.LoadSource(src)
		if err != nil {
			s.logger.Warn("workflow reload reported errors", "source", src.Name, "error", err)
		}
		if hook != nil {
			hook(report)
		}
	}
}

// watchRoots maps source paths to the directories that must be watched.
func watchRoots(paths []string) []string {
	var roots []string
	for _, p := range paths {
		root := p
		if strings.ContainsAny(p, "*?[{") {
			root, _ = doublestar.SplitPattern(filepath.ToSlash(p))
			root = filepath.FromSlash(root)
		} else if info, err := os.Stat(p); err == nil && !info.IsDir() {
			root = filepath.Dir(p)
		}
		roots = appendUnique(roots, filepath.Clean(root))
	}
	return roots
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if base := d.Name(); path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
