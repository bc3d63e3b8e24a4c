// Package task reads and writes the caller-owned task records that hold a
// workflow position. A record's canonical id is always its file name stem;
// any id embedded in the content that disagrees is rewritten on write.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/kingrea/flow/internal/fsutil"
	"github.com/kingrea/flow/internal/workflow/engine"
)

var (
	// ErrNotFound is returned when a task reference resolves to no record.
	ErrNotFound = errors.New("task: record not found")
	// ErrMalformedRecord is returned when a record cannot be decoded.
	ErrMalformedRecord = errors.New("task: malformed record")
	// ErrExists is returned when creating a record whose file already exists.
	ErrExists = errors.New("task: record already exists")
)

// Format is the on-disk encoding of a record.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
)

func formatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".md", ".markdown":
		return FormatMarkdown, true
	}
	return "", false
}

// CanonicalID derives a record's identity from its storage location.
func CanonicalID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// HealObserver is told about every identity heal. The metrics package
// implements it.
type HealObserver interface {
	IdentityHealed()
}

// Store manages task records rooted at a directory.
type Store struct {
	dir       string
	now       func() time.Time
	logger    *slog.Logger
	observer  HealObserver
	lockRetry time.Duration
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for write-through timestamps and ids.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger routes heal warnings to logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealObserver reports identity heals.
func WithHealObserver(o HealObserver) StoreOption {
	return func(s *Store) {
		s.observer = o
	}
}

// NewStore builds a store for a task directory.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:       dir,
		now:       time.Now,
		logger:    slog.Default(),
		lockRetry: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the task directory.
func (s *Store) Dir() string { return s.dir }

// Resolve maps a task reference to a record path. A reference is either a
// path to a .json/.md file or a bare id looked up in the task directory.
func (s *Store) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("task: reference is required")
	}
	if _, ok := formatFor(ref); ok {
		path := ref
		if !filepath.IsAbs(path) && !strings.ContainsRune(ref, filepath.Separator) && !strings.ContainsRune(ref, '/') {
			path = filepath.Join(s.dir, ref)
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
			}
			return "", err
		}
		return path, nil
	}
	for _, ext := range []string{".json", ".md"} {
		path := filepath.Join(s.dir, ref+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Read loads the record behind ref. The returned record keeps whatever id it
// carried on disk; callers wanting identity use CanonicalID(path).
func (s *Store) Read(ref string) (*Record, string, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, "", err
	}
	rec, err := readFile(path)
	if err != nil {
		return nil, "", err
	}
	return rec, path, nil
}

// ReadPosition derives the engine position from a record. A record without
// a current step yields a position the engine treats as not yet started.
func (s *Store) ReadPosition(ref string) (*engine.Position, error) {
	rec, path, err := s.Read(ref)
	if err != nil {
		return nil, err
	}
	return rec.Position(CanonicalID(path)), nil
}

// WriteResult describes one write-through.
type WriteResult struct {
	Path         string       `json:"path"`
	ID           string       `json:"id"`
	Healed       bool         `json:"healed,omitempty"`
	PreviousID   string       `json:"previousId,omitempty"`
	WriteThrough WriteThrough `json:"writeThrough"`
}

// Change is what an Update callback asks the store to persist.
type Change struct {
	Position   *engine.Position
	Projection Projection
}

// WritePosition persists pos and the projections into the record behind ref.
// See Update.
func (s *Store) WritePosition(ctx context.Context, ref string, pos *engine.Position, proj Projection) (WriteResult, error) {
	if pos == nil {
		return WriteResult{}, fmt.Errorf("task: position is required")
	}
	wr, err := s.Update(ctx, ref, func(*Record, string) (*Change, error) {
		return &Change{Position: pos, Projection: proj}, nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return *wr, nil
}

// Update reads the record behind ref and hands it to fn while holding the
// record's exclusive file lock, so concurrent callers see each other's
// writes. A nil Change writes nothing and yields a nil result. Otherwise the
// change is applied, the record id is reset to the canonical id derived from
// its path, and the record is replaced atomically. On error nothing changes.
func (s *Store) Update(ctx context.Context, ref string, fn func(rec *Record, path string) (*Change, error)) (*WriteResult, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := readFile(path)
	if err != nil {
		return nil, err
	}
	change, err := fn(rec, path)
	if err != nil || change == nil {
		return nil, err
	}
	if change.Position == nil {
		return nil, fmt.Errorf("task: position is required")
	}
	pos, proj := change.Position, change.Projection

	result := WriteResult{Path: path, ID: CanonicalID(path)}
	if rec.ID != result.ID {
		result.Healed = true
		result.PreviousID = rec.ID
	}
	rec.ID = result.ID
	rec.ApplyPosition(pos)

	wt := WriteThrough{Node: pos.CurrentStep, At: s.now().UTC().Format(time.RFC3339)}
	if proj.Skip {
		wt.Status = WriteThroughSkipped
		wt.Reason = proj.SkipReason
	} else {
		wt.Status = WriteThroughApplied
		rec.Subject = proj.Subject
		rec.ActiveForm = proj.ActiveForm
		rec.Description = proj.Description
		if proj.Status != "" {
			rec.Status = proj.Status
		}
	}
	rec.Metadata.WriteThrough = &wt
	result.WriteThrough = wt

	if err := writeFile(path, rec); err != nil {
		return nil, err
	}
	if result.Healed {
		s.logger.Warn("task identity healed", "path", path, "embedded", result.PreviousID, "canonical", result.ID)
		if s.observer != nil {
			s.observer.IdentityHealed()
		}
	}
	return &result, nil
}

// Create writes a new record. An empty id gets a fresh ULID. The record's
// embedded id always matches its file name.
func (s *Store) Create(rec Record, format Format) (string, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatMarkdown {
		return "", fmt.Errorf("task: unknown format %q", format)
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = strings.ToLower(ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy()).String())
	}
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("task: id %q must not contain path separators", id)
	}
	rec.ID = id
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	path := filepath.Join(s.dir, id+"."+string(format))
	for _, existing := range []string{".json", ".md"} {
		if _, err := os.Stat(filepath.Join(s.dir, id+existing)); err == nil {
			return "", fmt.Errorf("%w: %s", ErrExists, id)
		}
	}
	if err := writeFile(path, &rec); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes the record behind ref. It is meant for undoing a Create
// whose follow-up failed.
func (s *Store) Remove(ref string) error {
	path, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("task: remove %s: %w", path, err)
	}
	return nil
}

// List returns every record in the task directory, sorted by canonical id.
func (s *Store) List() ([]ListedRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ListedRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := formatFor(e.Name()); !ok {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		rec, err := readFile(path)
		if err != nil {
			s.logger.Debug("skipping unreadable task record", "path", path, "error", err)
			continue
		}
		out = append(out, ListedRecord{ID: CanonicalID(path), Path: path, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListedRecord pairs a record with its canonical id and location.
type ListedRecord struct {
	ID     string
	Path   string
	Record *Record
}

func (s *Store) lock(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, s.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("task: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("task: lock %s: not acquired", path)
	}
	// The lock file is never unlinked; a waiter on the old inode would race
	// a newcomer on a fresh one.
	return func() { _ = fl.Unlock() }, nil
}

func readFile(path string) (*Record, error) {
	format, ok := formatFor(path)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported extension %s", ErrMalformedRecord, filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("task: read %s: %w", path, err)
	}
	switch format {
	case FormatMarkdown:
		fields, body, err := ParseFrontMatter(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, path, err)
		}
		rec, err := recordFromMap(fields)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if desc := strings.TrimRight(string(body), "\n"); desc != "" {
			rec.Description = desc
		}
		return rec, nil
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, path, err)
		}
		rec, err := recordFromMap(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return rec, nil
	}
}

func writeFile(path string, rec *Record) error {
	format, _ := formatFor(path)
	doc, err := rec.toMap()
	if err != nil {
		return fmt.Errorf("task: encode %s: %w", path, err)
	}
	var data []byte
	switch format {
	case FormatMarkdown:
		delete(doc, "description")
		data, err = WriteFrontMatter(doc, []byte(rec.Description))
	default:
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("task: encode %s: %w", path, err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("task: write %s: %w", path, err)
	}
	return nil
}
