// Package manifest loads, validates and serves versioned process manifests.
//
// The Store keeps an immutable catalog of snapshots behind an atomic pointer.
// Readers never lock; writers build a new catalog and swap it in, so a
// dispatch that already holds a snapshot finishes against a consistent
// version while an update lands.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"process-dispatcher/backend/internal/experiment"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/pkg/models"
)

// ErrNotFound is returned when no manifest is registered under a name.
var ErrNotFound = errors.New("manifest not found")

// Snapshot is one accepted version of a manifest. Snapshots are shared
// between goroutines and must be treated as read-only.
type Snapshot struct {
	Manifest   *models.ProcessManifest
	Experiment experiment.State
}

// Name returns the process name.
func (s *Snapshot) Name() string { return s.Manifest.ProcessName }

// Version returns the manifest version.
func (s *Snapshot) Version() int { return s.Manifest.Version }

type catalog map[string]*Snapshot

// ReloadReport summarizes a Reload.
type ReloadReport struct {
	Loaded    []string         `json:"loaded"`
	Unchanged int              `json:"unchanged"`
	Removed   []string         `json:"removed"`
	Rejected  map[string]error `json:"-"`
}

// Store caches manifests and applies updates atomically.
type Store struct {
	source    Source
	validator *Validator
	logger    *logging.Logger
	now       func() time.Time

	current atomic.Pointer[catalog]
	writeMu sync.Mutex
	loads   singleflight.Group
}

// NewStore creates a Store. source may be nil for a purely in-memory store.
func NewStore(source Source, validator *Validator, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{source: source, validator: validator, logger: logger, now: time.Now}
	empty := catalog{}
	s.current.Store(&empty)
	return s
}

// Validate checks a manifest without installing it.
func (s *Store) Validate(m *models.ProcessManifest) error {
	return s.validator.Validate(m)
}

// Load returns the current snapshot for name. On a cache miss the manifest
// is fetched from the source once, however many callers are waiting.
func (s *Store) Load(ctx context.Context, name string) (*Snapshot, error) {
	if snap, ok := s.lookup(name); ok {
		return snap, nil
	}
	if s.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	v, err, _ := s.loads.Do(name, func() (interface{}, error) {
		m, err := s.source.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if snap, ok := s.lookup(name); ok {
			return snap, nil
		}
		if err := s.validator.Validate(m); err != nil {
			s.logger.Warn("manifest rejected on load", "process", name, "error", err)
			return nil, err
		}
		return s.installLocked(m, nil), nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

// List returns the current snapshots sorted by process name.
func (s *Store) List() []*Snapshot {
	cat := *s.current.Load()
	out := make([]*Snapshot, 0, len(cat))
	for _, snap := range cat {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Update applies mutate to a deep copy of the current manifest, validates the
// result, persists it when the source is a Writer and swaps it in. On any
// failure the previous snapshot stays active.
func (s *Store) Update(ctx context.Context, name string, mutate func(m *models.ProcessManifest) error) (*Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.currentLocked(ctx, name)
	if err != nil {
		return nil, err
	}

	next := prev.Manifest.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ProcessName != name {
		return nil, &InvalidError{ProcessName: name, Problems: []string{"process_name cannot be changed by an update"}}
	}
	return s.commitLocked(ctx, prev, next)
}

// Replace deploys a complete manifest under its process name.
func (s *Store) Replace(ctx context.Context, m *models.ProcessManifest) (*Snapshot, error) {
	if m == nil {
		return nil, &InvalidError{Problems: []string{"manifest is empty"}}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// a missing or invalid current version does not block a replacement
	prev, err := s.currentLocked(ctx, m.ProcessName)
	var invalid *InvalidError
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.As(err, &invalid) {
		return nil, err
	}
	return s.commitLocked(ctx, prev, m.Clone())
}

// Reload re-reads every document from the source. Invalid documents are
// rejected one by one and the previous version of their manifest stays
// active. Manifests missing from the source are dropped only when every
// document could be decoded.
func (s *Store) Reload(ctx context.Context) (*ReloadReport, error) {
	if s.source == nil {
		return &ReloadReport{Rejected: map[string]error{}}, nil
	}
	docs, err := s.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := *s.current.Load()
	next := make(catalog, len(old))
	for k, v := range old {
		next[k] = v
	}

	report := &ReloadReport{Rejected: map[string]error{}}
	seen := make(map[string]string)
	decodeFailed := false
	for _, doc := range docs {
		if doc.Err != nil {
			decodeFailed = true
			report.Rejected[doc.Origin] = doc.Err
			s.logger.Warn("manifest document rejected", "origin", doc.Origin, "error", doc.Err)
			continue
		}
		m := doc.Manifest
		if first, dup := seen[m.ProcessName]; dup {
			err := fmt.Errorf("process %q is already defined by %s", m.ProcessName, first)
			report.Rejected[doc.Origin] = err
			s.logger.Warn("manifest document rejected", "origin", doc.Origin, "error", err)
			continue
		}
		seen[m.ProcessName] = doc.Origin

		if err := s.validator.Validate(m); err != nil {
			report.Rejected[doc.Origin] = err
			s.logger.Warn("manifest document rejected", "origin", doc.Origin, "error", err)
			continue
		}
		prev := next[m.ProcessName]
		if prev != nil && SameContent(prev.Manifest, m) {
			report.Unchanged++
			continue
		}
		next[m.ProcessName] = s.snapshot(m, prev)
		report.Loaded = append(report.Loaded, m.ProcessName)
	}

	if !decodeFailed {
		for name := range next {
			if _, ok := seen[name]; !ok {
				delete(next, name)
				report.Removed = append(report.Removed, name)
			}
		}
	}
	sort.Strings(report.Loaded)
	sort.Strings(report.Removed)

	s.current.Store(&next)
	s.logger.Info("manifests reloaded",
		"loaded", len(report.Loaded),
		"unchanged", report.Unchanged,
		"removed", len(report.Removed),
		"rejected", len(report.Rejected))
	return report, nil
}

func (s *Store) lookup(name string) (*Snapshot, bool) {
	snap, ok := (*s.current.Load())[name]
	return snap, ok
}

// currentLocked returns the cached snapshot, falling back to the source.
func (s *Store) currentLocked(ctx context.Context, name string) (*Snapshot, error) {
	if snap, ok := s.lookup(name); ok {
		return snap, nil
	}
	if s.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m, err := s.source.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(m); err != nil {
		return nil, err
	}
	return s.installLocked(m, nil), nil
}

func (s *Store) commitLocked(ctx context.Context, prev *Snapshot, next *models.ProcessManifest) (*Snapshot, error) {
	if err := s.validator.Validate(next); err != nil {
		return nil, err
	}
	next.Version = 1
	if prev != nil {
		next.Version = prev.Version() + 1
	}
	next.UpdatedAt = s.now().UTC()

	if w, ok := s.source.(Writer); ok {
		if err := w.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("persist manifest %s: %w", next.ProcessName, err)
		}
	}
	snap := s.installLocked(next, prev)
	s.logger.Info("manifest updated", "process", next.ProcessName, "version", next.Version)
	return snap, nil
}

// installLocked swaps a new catalog holding m into place.
func (s *Store) installLocked(m *models.ProcessManifest, prev *Snapshot) *Snapshot {
	old := *s.current.Load()
	next := make(catalog, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	snap := s.snapshot(m, prev)
	next[m.ProcessName] = snap
	s.current.Store(&next)
	return snap
}

// snapshot wraps a validated manifest, assigning a version when the source
// did not carry one.
func (s *Store) snapshot(m *models.ProcessManifest, prev *Snapshot) *Snapshot {
	m = m.Clone()
	if m.Version == 0 {
		m.Version = 1
		if prev != nil {
			m.Version = prev.Version() + 1
		}
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now().UTC()
	}
	state, err := experiment.FromDescriptor(m.Experiment)
	if err != nil {
		// unreachable for validated manifests
		state = experiment.None{}
	}
	return &Snapshot{Manifest: m, Experiment: state}
}

// SameContent reports whether two manifests differ only in version and
// update time.
func SameContent(a, b *models.ProcessManifest) bool {
	x, y := a.Clone(), b.Clone()
	x.Version, y.Version = 0, 0
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(x, y)
}
