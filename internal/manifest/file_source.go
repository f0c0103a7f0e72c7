package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"process-dispatcher/backend/pkg/models"
)

// FileSource reads one manifest per *.yaml, *.yml or *.json file in a
// directory. Saved manifests are written back to the file they came from.
type FileSource struct {
	dir string

	mu      sync.Mutex
	origins map[string]string // process name -> file
}

// NewFileSource creates a FileSource over dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir, origins: make(map[string]string)}
}

// Dir returns the watched directory.
func (s *FileSource) Dir() string { return s.dir }

func (s *FileSource) Get(ctx context.Context, name string) (*models.ProcessManifest, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.Err == nil && doc.Manifest.ProcessName == name {
			return doc.Manifest, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileSource) List(ctx context.Context) ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	var docs []Document
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !IsManifestFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		m, err := ReadFile(path)
		docs = append(docs, Document{Origin: path, Manifest: m, Err: err})
		if err == nil {
			s.mu.Lock()
			if _, taken := s.origins[m.ProcessName]; !taken {
				s.origins[m.ProcessName] = path
			}
			s.mu.Unlock()
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Origin < docs[j].Origin })
	return docs, nil
}

func (s *FileSource) Save(_ context.Context, m *models.ProcessManifest) error {
	s.mu.Lock()
	path, ok := s.origins[m.ProcessName]
	if !ok {
		path = filepath.Join(s.dir, m.ProcessName+".yaml")
		s.origins[m.ProcessName] = path
	}
	s.mu.Unlock()

	data, err := Encode(m, filepath.Ext(path))
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	return nil
}

// IsManifestFile reports whether name has a manifest extension.
func IsManifestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ReadFile decodes a single manifest file.
func ReadFile(path string) (*models.ProcessManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

// Decode parses a manifest document. ext selects JSON (".json") or YAML.
// Unknown fields are rejected.
func Decode(data []byte, ext string) (*models.ProcessManifest, error) {
	var m models.ProcessManifest
	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode renders a manifest document in the format selected by ext.
func Encode(m *models.ProcessManifest, ext string) ([]byte, error) {
	if strings.EqualFold(ext, ".json") {
		return json.MarshalIndent(documentView(m), "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// documentView drops the runtime-only fields from the JSON form.
func documentView(m *models.ProcessManifest) interface{} {
	return struct {
		ProcessName string                    `json:"process_name"`
		Description string                    `json:"description"`
		Owner       string                    `json:"owner"`
		InputSchema map[string]interface{}    `json:"input_schema"`
		Strategy    models.StrategyDescriptor `json:"strategy"`
		Variants    []models.Variant          `json:"variants"`
		Experiment  *models.Experiment        `json:"experiment,omitempty"`
	}{m.ProcessName, m.Description, m.Owner, m.InputSchema, m.Strategy, m.Variants, m.Experiment}
}
