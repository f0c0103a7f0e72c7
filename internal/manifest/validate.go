package manifest

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"process-dispatcher/backend/internal/experiment"
	"process-dispatcher/backend/internal/schema"
	"process-dispatcher/backend/internal/strategy"
	"process-dispatcher/backend/pkg/models"
)

// DefaultOwnerPattern is the owner naming convention: a namespace prefix
// followed by the team name.
const DefaultOwnerPattern = `^team-[a-z][a-z0-9-]*$`

const weightTolerance = 1e-6

var processNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// InvalidError lists every reason a manifest was rejected.
type InvalidError struct {
	ProcessName string
	Problems    []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("manifest %q is invalid: %s", e.ProcessName, strings.Join(e.Problems, "; "))
}

// MetricChecker reports whether an experiment success metric can be
// evaluated against the declared variant ids.
type MetricChecker func(metric string, variantIDs []string) error

// Validator enforces manifest invariants.
type Validator struct {
	owner       *regexp.Regexp
	registry    *strategy.Registry
	checkMetric MetricChecker
}

// NewValidator creates a Validator. An empty ownerPattern uses DefaultOwnerPattern.
func NewValidator(ownerPattern string, registry *strategy.Registry) (*Validator, error) {
	if ownerPattern == "" {
		ownerPattern = DefaultOwnerPattern
	}
	re, err := regexp.Compile(ownerPattern)
	if err != nil {
		return nil, fmt.Errorf("compile owner pattern: %w", err)
	}
	if registry == nil {
		registry = strategy.DefaultRegistry()
	}
	return &Validator{owner: re, registry: registry}, nil
}

// WithMetricChecker makes Validate reject experiments whose success metric
// fn refuses. Concluded experiments are not checked.
func (v *Validator) WithMetricChecker(fn MetricChecker) *Validator {
	v.checkMetric = fn
	return v
}

// Validate returns nil or an *InvalidError. Manifests are never repaired:
// weights that do not sum to one are rejected, not normalized.
func (v *Validator) Validate(m *models.ProcessManifest) error {
	if m == nil {
		return &InvalidError{Problems: []string{"manifest is empty"}}
	}
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !processNamePattern.MatchString(m.ProcessName) {
		add("process_name %q must match %s", m.ProcessName, processNamePattern)
	}
	if !v.owner.MatchString(m.Owner) {
		add("owner %q must match %s", m.Owner, v.owner)
	}

	if err := schema.CheckSchema(m.InputSchema); err != nil {
		add("input_schema: %v", err)
	}

	if m.Strategy.Path == "" {
		add("strategy.path is required")
	}
	st, known := v.registry.Lookup(m.Strategy.Kind)
	if !known {
		add("strategy.kind %q is not registered (registered: %v)", m.Strategy.Kind, v.registry.Kinds())
	}

	if len(m.Variants) == 0 {
		add("variants must declare at least one variant")
	}
	seen := make(map[string]bool, len(m.Variants))
	for i, variant := range m.Variants {
		switch {
		case variant.ID == "":
			add("variants[%d].id is required", i)
		case seen[variant.ID]:
			add("variants[%d].id %q is a duplicate", i, variant.ID)
		}
		seen[variant.ID] = true
		if variant.Path == "" {
			add("variants[%d].path is required", i)
		}
		if variant.Weight != nil && (*variant.Weight < 0 || *variant.Weight > 1 || math.IsNaN(*variant.Weight)) {
			add("variants[%d].weight %v must be within [0, 1]", i, *variant.Weight)
		}
	}

	if known && st.RequiresWeights() && len(m.Variants) > 0 {
		var (
			sum     float64
			missing bool
		)
		for i, variant := range m.Variants {
			if variant.Weight == nil {
				add("variants[%d].weight is required by the %s strategy", i, m.Strategy.Kind)
				missing = true
				continue
			}
			sum += *variant.Weight
		}
		if !missing && math.Abs(sum-1) > weightTolerance {
			add("variant weights sum to %.6g, want 1.0 (±%g)", sum, weightTolerance)
		}
	}
	if checker, ok := st.(strategy.ArgsChecker); ok && known {
		problems = append(problems, checker.CheckArgs(m.Strategy, m.Variants)...)
	}

	problems = append(problems, experiment.Problems(m.Experiment)...)
	if exp := m.Experiment; v.checkMetric != nil && exp != nil && exp.SuccessMetric != "" && exp.Status != models.ExperimentConcluded {
		ids := make([]string, 0, len(m.Variants))
		for _, variant := range m.Variants {
			ids = append(ids, variant.ID)
		}
		if err := v.checkMetric(exp.SuccessMetric, ids); err != nil {
			add("experiment.success_metric: %v", err)
		}
	}

	if len(problems) > 0 {
		return &InvalidError{ProcessName: m.ProcessName, Problems: problems}
	}
	return nil
}
