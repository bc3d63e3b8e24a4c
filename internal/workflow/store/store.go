// Package store indexes workflow definitions from several sources. A project
// source overrides an external source, which overrides the built-in catalog,
// whenever two of them define the same workflow id.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kingrea/flow/internal/workflow"
)

// ErrNotFound is returned when no source defines the requested workflow id.
var ErrNotFound = errors.New("store: workflow not found")

// Kind classifies a source for precedence.
type Kind string

const (
	KindProject  Kind = "project"
	KindExternal Kind = "external"
	KindCatalog  Kind = "catalog"
)

func (k Kind) rank() int {
	switch k {
	case KindProject:
		return 3
	case KindExternal:
		return 2
	case KindCatalog:
		return 1
	}
	return 0
}

// ParseKind normalizes a source filter. Empty input yields "" (all kinds).
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case "", KindProject, KindExternal, KindCatalog:
		return k, nil
	}
	return "", fmt.Errorf("store: unknown source %q", raw)
}

// DefinitionPattern matches definition files below a directory.
const DefinitionPattern = "**/*.{yaml,yml,json}"

// Source names a set of definition files. Paths are directories, files, or
// doublestar globs on disk. When FS is set, Paths are globs inside it.
// A non-empty IDs restricts the source to those workflow ids on every load.
type Source struct {
	Name  string
	Kind  Kind
	Paths []string
	FS    fs.FS
	IDs   []string
}

func (s Source) wants(id string) bool {
	if len(s.IDs) == 0 {
		return true
	}
	for _, want := range s.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Watchable reports whether the source lives on disk.
func (s Source) Watchable() bool {
	return s.FS == nil && s.Kind != KindCatalog
}

// Entry is an indexed definition and where it came from.
type Entry struct {
	Definition *workflow.Definition
	Source     string
	Kind       Kind
	Path       string
}

// Summary is the listing view of an entry.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Source      Kind   `json:"source"`
	Path        string `json:"path,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

func (e Entry) Summary() Summary {
	def := e.Definition
	return Summary{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Steps:       def.StepCount(),
		Source:      e.Kind,
		Path:        e.Path,
		Digest:      def.Digest,
	}
}

// FileError ties a load failure to the file that caused it.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *FileError) Unwrap() error { return e.Err }

// Report describes the outcome of loading one source.
type Report struct {
	Source    string
	Kind      Kind
	Loaded    []Summary
	Unchanged []string
	Removed   []string
	// Skipped lists definitions left out by the source's id filter.
	Skipped   []string
	Errors    []*FileError
}

// Err joins the per-file failures, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, fe := range r.Errors {
		errs = append(errs, fe)
	}
	return fmt.Errorf("store: source %s: %w", r.Source, errors.Join(errs...))
}

// Observer receives index changes. The metrics package implements it.
type Observer interface {
	DefinitionsLoaded(kind string, count int)
}

type loadedSource struct {
	source  Source
	seq     int
	entries map[string]Entry
}

// Store is safe for concurrent use. Definitions are replaced wholesale and
// never mutated in place, so readers may keep a resolved pointer.
type Store struct {
	mu       sync.RWMutex
	sources  map[string]*loadedSource
	index    map[string]Entry
	nextSeq  int
	logger   *slog.Logger
	observer Observer
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger routes store logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver reports index sizes per source kind after every change.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		sources: map[string]*loadedSource{},
		index:   map[string]Entry{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSource discovers and parses every definition in src and replaces
// whatever the source previously contributed. Files that fail structural
// validation are reported and left out; the rest of the source still loads.
func (s *Store) LoadSource(src Source) (Report, error) {
	src.Name = strings.TrimSpace(src.Name)
	if src.Name == "" {
		return Report{}, fmt.Errorf("store: source name is required")
	}
	if src.Kind.rank() == 0 {
		return Report{}, fmt.Errorf("store: source %s has unknown kind %q", src.Name, src.Kind)
	}
	files, err := discover(src)
	if err != nil {
		return Report{}, fmt.Errorf("store: discover %s: %w", src.Name, err)
	}

	report := Report{Source: src.Name, Kind: src.Kind}
	entries := make(map[string]Entry, len(files))
	for _, file := range files {
		def, err := parseFile(src, file)
		if err != nil {
			report.Errors = append(report.Errors, &FileError{Path: file, Err: err})
			continue
		}
		if !src.wants(def.ID) {
			report.Skipped = append(report.Skipped, def.ID)
			continue
		}
		if prior, dup := entries[def.ID]; dup {
			report.Errors = append(report.Errors, &FileError{
				Path: file,
				Err:  fmt.Errorf("workflow %s already defined by %s", def.ID, prior.Path),
			})
			continue
		}
		entries[def.ID] = Entry{Definition: def, Source: src.Name, Kind: src.Kind, Path: file}
	}

	s.mu.Lock()
	prev, existed := s.sources[src.Name]
	seq := s.nextSeq
	if existed {
		seq = prev.seq
	} else {
		s.nextSeq++
	}
	for _, id := range sortedIDs(entries) {
		entry := entries[id]
		if existed {
			if old, ok := prev.entries[id]; ok && old.Definition.Digest != "" && old.Definition.Digest == entry.Definition.Digest {
				report.Unchanged = append(report.Unchanged, id)
				continue
			}
		}
		report.Loaded = append(report.Loaded, entry.Summary())
	}
	if existed {
		for _, id := range sortedIDs(prev.entries) {
			if _, ok := entries[id]; !ok {
				report.Removed = append(report.Removed, id)
			}
		}
	}
	s.sources[src.Name] = &loadedSource{source: src, seq: seq, entries: entries}
	s.rebuildLocked()
	s.mu.Unlock()

	s.logger.Info("workflow source loaded",
		"source", src.Name,
		"kind", src.Kind,
		"loaded", len(report.Loaded),
		"unchanged", len(report.Unchanged),
		"removed", len(report.Removed),
		"errors", len(report.Errors))
	return report, report.Err()
}

// Add registers a single already-parsed definition under a source, replacing
// any definition with the same id in that source.
func (s *Store) Add(sourceName string, kind Kind, def *workflow.Definition, origin string) error {
	if def == nil {
		return fmt.Errorf("store: definition is required")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if kind.rank() == 0 {
		return fmt.Errorf("store: unknown kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sources[sourceName]
	if !ok {
		ls = &loadedSource{source: Source{Name: sourceName, Kind: kind}, seq: s.nextSeq, entries: map[string]Entry{}}
		s.nextSeq++
		s.sources[sourceName] = ls
	}
	ls.entries[def.ID] = Entry{Definition: def.Clone(), Source: sourceName, Kind: ls.source.Kind, Path: origin}
	s.rebuildLocked()
	return nil
}

// Remove drops a source and everything it contributed.
func (s *Store) Remove(sourceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[sourceName]; !ok {
		return false
	}
	delete(s.sources, sourceName)
	s.rebuildLocked()
	return true
}

// Resolve returns the winning definition for id.
func (s *Store) Resolve(id string) (*workflow.Definition, error) {
	entry, err := s.Entry(id)
	if err != nil {
		return nil, err
	}
	return entry.Definition, nil
}

// Entry returns the winning entry for id.
func (s *Store) Entry(id string) (Entry, error) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	entry, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// Shadowed returns the entries for id that lost to a higher-precedence source.
func (s *Store) Shadowed(id string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	winner, ok := s.index[id]
	if !ok {
		return nil
	}
	var out []Entry
	for _, ls := range s.orderedLocked() {
		if e, ok := ls.entries[id]; ok && e.Source != winner.Source {
			out = append(out, e)
		}
	}
	return out
}

// List returns summaries of the winning definitions sorted by id. A non-empty
// kind keeps only definitions whose winning source has that kind.
func (s *Store) List(kind Kind) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.index))
	for _, id := range sortedIDs(s.index) {
		entry := s.index[id]
		if kind != "" && entry.Kind != kind {
			continue
		}
		out = append(out, entry.Summary())
	}
	return out
}

// Sources returns the registered sources in precedence order.
func (s *Store) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.orderedLocked()
	out := make([]Source, 0, len(ordered))
	for _, ls := range ordered {
		out = append(out, ls.source)
	}
	return out
}

// Reload re-reads every registered on-disk source. Embedded sources and
// sources built with Add are left as they are.
func (s *Store) Reload() ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, src := range s.Sources() {
		if src.FS != nil || len(src.Paths) == 0 {
			continue
		}
		report, err := s.LoadSource(src)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// orderedLocked sorts sources by precedence, then by registration order.
func (s *Store) orderedLocked() []*loadedSource {
	out := make([]*loadedSource, 0, len(s.sources))
	for _, ls := range s.sources {
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].source.Kind.rank(), out[j].source.Kind.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (s *Store) rebuildLocked() {
	index := map[string]Entry{}
	counts := map[Kind]int{KindProject: 0, KindExternal: 0, KindCatalog: 0}
	for _, ls := range s.orderedLocked() {
		for id, entry := range ls.entries {
			if _, taken := index[id]; taken {
				continue
			}
			index[id] = entry
			counts[entry.Kind]++
		}
	}
	s.index = index
	if s.observer != nil {
		for kind, n := range counts {
			s.observer.DefinitionsLoaded(string(kind), n)
		}
	}
}

func discover(src Source) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	add := func(p string) {
		if !seen[p] && workflow.IsDefinitionFile(p) {
			seen[p] = true
			files = append(files, p)
		}
	}
	if src.FS != nil {
		patterns := src.Paths
		if len(patterns) == 0 {
			patterns = []string{DefinitionPattern}
		}
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(src.FS, pattern)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				add(m)
			}
		}
		sort.Strings(files)
		return files, nil
	}
	for _, p := range src.Paths {
		if strings.ContainsAny(p, "*?[{") {
			matches, err := doublestar.FilepathGlob(p)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				add(m)
			}
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(p), DefinitionPattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			add(filepath.Join(p, filepath.FromSlash(m)))
		}
	}
	sort.Strings(files)
	return files, nil
}

func parseFile(src Source, file string) (*workflow.Definition, error) {
	if src.FS == nil {
		return workflow.LoadDefinitionFile(file)
	}
	data, err := fs.ReadFile(src.FS, file)
	if err != nil {
		return nil, err
	}
	base := path.Base(file)
	return workflow.ParseDefinitionWithID(data, strings.TrimSuffix(base, path.Ext(base)))
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
