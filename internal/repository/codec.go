package repository

import (
	"fmt"
	"time"

	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

// Manifests are stored as their JSON document; version and update time live
// in their own columns.
func encodeRow(m *models.ProcessManifest) ([]byte, error) {
	doc, err := manifest.Encode(m, ".json")
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.ProcessName, err)
	}
	return doc, nil
}

func decodeRow(doc []byte, version int, updatedAt time.Time) (*models.ProcessManifest, error) {
	m, err := manifest.Decode(doc, ".json")
	if err != nil {
		return nil, fmt.Errorf("decode stored manifest: %w", err)
	}
	m.Version = version
	m.UpdatedAt = updatedAt.UTC()
	return m, nil
}

func savedAt(m *models.ProcessManifest) time.Time {
	if m.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return m.UpdatedAt.UTC()
}

func recordedAt(o models.DispatchOutcome) time.Time {
	if o.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return o.CreatedAt.UTC()
}
