package manifest

import (
	"context"
	"sort"
	"sync"

	"process-dispatcher/backend/pkg/models"
)

// Document is one manifest as read from a Source. Err is set when the
// document could not be decoded; other documents are unaffected.
type Document struct {
	Origin   string
	Manifest *models.ProcessManifest
	Err      error
}

// Source provides manifest documents to the Store.
type Source interface {
	// Get returns the manifest registered under name, or ErrNotFound.
	Get(ctx context.Context, name string) (*models.ProcessManifest, error)
	// List returns every document the source holds.
	List(ctx context.Context) ([]Document, error)
}

// Writer is implemented by sources that persist accepted updates.
type Writer interface {
	Save(ctx context.Context, m *models.ProcessManifest) error
}

// MemorySource is a Source and Writer backed by a map.
type MemorySource struct {
	mu        sync.RWMutex
	manifests map[string]*models.ProcessManifest
}

// NewMemorySource creates a MemorySource holding copies of manifests.
func NewMemorySource(manifests ...*models.ProcessManifest) *MemorySource {
	s := &MemorySource{manifests: make(map[string]*models.ProcessManifest)}
	for _, m := range manifests {
		s.manifests[m.ProcessName] = m.Clone()
	}
	return s
}

func (s *MemorySource) Get(_ context.Context, name string) (*models.ProcessManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemorySource) List(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.manifests))
	for name, m := range s.manifests {
		docs = append(docs, Document{Origin: "memory:" + name, Manifest: m.Clone()})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Origin < docs[j].Origin })
	return docs, nil
}

func (s *MemorySource) Save(_ context.Context, m *models.ProcessManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.ProcessName] = m.Clone()
	return nil
}

// Put stores a manifest without going through a Store, as an operator
// editing the backing configuration would.
func (s *MemorySource) Put(m *models.ProcessManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.ProcessName] = m.Clone()
}
