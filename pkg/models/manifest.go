package models

import (
	"encoding/json"
	"time"
)

// StrategyKind names a variant selection algorithm.
type StrategyKind string

const (
	StrategyPercentage StrategyKind = "percentage"
	StrategyBucketed   StrategyKind = "bucketed"
	StrategyFixed      StrategyKind = "fixed"
)

// ExperimentStatus is the closed set of experiment states.
type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "ACTIVE"
	ExperimentPaused    ExperimentStatus = "PAUSED"
	ExperimentConcluded ExperimentStatus = "CONCLUDED"
)

// Valid reports whether s belongs to the closed set.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case ExperimentActive, ExperimentPaused, ExperimentConcluded:
		return true
	}
	return false
}

// ResolutionPolicy is applied when an experiment resolves.
type ResolutionPolicy string

const (
	PolicyPromoteVariant ResolutionPolicy = "PROMOTE_VARIANT"
	PolicyCleanupVariant ResolutionPolicy = "CLEANUP_VARIANT"
)

// Valid reports whether p belongs to the closed set.
func (p ResolutionPolicy) Valid() bool {
	return p == PolicyPromoteVariant || p == PolicyCleanupVariant
}

// ProcessManifest is the versioned routing definition of one business process.
type ProcessManifest struct {
	ProcessName string                 `json:"process_name" yaml:"process_name"` // Stable key
	Description string                 `json:"description" yaml:"description"`
	Owner       string                 `json:"owner" yaml:"owner"`
	InputSchema map[string]interface{} `json:"input_schema" yaml:"input_schema"`
	Strategy    StrategyDescriptor     `json:"strategy" yaml:"strategy"`
	Variants    []Variant              `json:"variants" yaml:"variants"`
	Experiment  *Experiment            `json:"experiment,omitempty" yaml:"experiment,omitempty"`

	// Set by the store, never read from manifest documents.
	Version   int       `json:"version" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Variant is one candidate implementation of a process.
type Variant struct {
	ID          string   `json:"id" yaml:"id"`
	Path        string   `json:"path" yaml:"path"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// WeightOrZero returns the variant weight, treating an absent weight as zero.
func (v Variant) WeightOrZero() float64 {
	if v.Weight == nil {
		return 0
	}
	return *v.Weight
}

// StrategyDescriptor configures variant selection.
type StrategyDescriptor struct {
	Kind StrategyKind           `json:"kind" yaml:"kind"`
	Path string                 `json:"path" yaml:"path"`
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

// StringArg returns a string-valued strategy argument.
func (d StrategyDescriptor) StringArg(name string) string {
	if d.Args == nil {
		return ""
	}
	s, _ := d.Args[name].(string)
	return s
}

// Experiment governs a manifest under A/B evaluation.
type Experiment struct {
	Status        ExperimentStatus `json:"status" yaml:"status"`
	Hypothesis    string           `json:"hypothesis" yaml:"hypothesis"`
	Owner         string           `json:"owner" yaml:"owner"`
	StartDate     time.Time        `json:"start_date" yaml:"start_date"`
	EndDate       time.Time        `json:"end_date" yaml:"end_date"`
	SuccessMetric string           `json:"success_metric" yaml:"success_metric"`
	OnSuccess     ResolutionPolicy `json:"on_success" yaml:"on_success"`
	OnFailure     ResolutionPolicy `json:"on_failure" yaml:"on_failure"`
}

// Clone returns a deep copy of the manifest.
func (m *ProcessManifest) Clone() *ProcessManifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.InputSchema = cloneMap(m.InputSchema)
	clone.Strategy.Args = cloneMap(m.Strategy.Args)
	if m.Variants != nil {
		clone.Variants = make([]Variant, len(m.Variants))
		for i, v := range m.Variants {
			clone.Variants[i] = v
			if v.Weight != nil {
				w := *v.Weight
				clone.Variants[i].Weight = &w
			}
		}
	}
	if m.Experiment != nil {
		exp := *m.Experiment
		clone.Experiment = &exp
	}
	return &clone
}

// Variant looks up a variant by id.
func (m *ProcessManifest) Variant(id string) (Variant, bool) {
	for _, v := range m.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Float64 returns a pointer to f, for building weights inline.
func Float64(f float64) *float64 {
	return &f
}

// cloneMap deep-copies JSON-shaped values (maps, slices, scalars).
func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
