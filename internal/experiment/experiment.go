// Package experiment turns the loosely typed experiment block of a manifest
// into a closed set of states.
package experiment

import (
	"errors"
	"fmt"
	"time"

	"process-dispatcher/backend/pkg/models"
)

// State is one of None, Active, Paused or Concluded.
type State interface {
	isState()
}

// None is the state of a manifest without an experiment block.
type None struct{}

// Active experiments are evaluated by the lifecycle manager.
type Active struct{ Terms }

// Paused experiments keep their terms but are skipped by the evaluator.
type Paused struct{ Terms }

// Concluded experiments are kept for the record until the block is dropped.
type Concluded struct{ Terms }

func (None) isState()      {}
func (Active) isState()    {}
func (Paused) isState()    {}
func (Concluded) isState() {}

// Terms are the validated fields shared by every non-None state. They can
// only be built by FromDescriptor, so a state always carries a metric and
// both policies.
type Terms struct {
	hypothesis string
	owner      string
	start      time.Time
	end        time.Time
	metric     string
	onSuccess  models.ResolutionPolicy
	onFailure  models.ResolutionPolicy
}

func (t Terms) Hypothesis() string                 { return t.hypothesis }
func (t Terms) Owner() string                      { return t.owner }
func (t Terms) Start() time.Time                   { return t.start }
func (t Terms) End() time.Time                     { return t.end }
func (t Terms) SuccessMetric() string              { return t.metric }
func (t Terms) OnSuccess() models.ResolutionPolicy { return t.onSuccess }
func (t Terms) OnFailure() models.ResolutionPolicy { return t.onFailure }

// Window returns the evaluation window at now, clamped to the experiment's
// end, and whether the experiment has reached its end date.
func (t Terms) Window(now time.Time) (from, to time.Time, final bool) {
	to = now
	if !now.Before(t.end) {
		to = t.end
		final = true
	}
	return t.start, to, final
}

// Policy returns the policy to apply for the given outcome.
func (t Terms) Policy(success bool) models.ResolutionPolicy {
	if success {
		return t.onSuccess
	}
	return t.onFailure
}

// Problems lists every violation in an experiment descriptor. A nil
// descriptor has none.
func Problems(d *models.Experiment) []string {
	if d == nil {
		return nil
	}
	var problems []string
	if !d.Status.Valid() {
		problems = append(problems, fmt.Sprintf("experiment.status %q must be one of ACTIVE, PAUSED, CONCLUDED", d.Status))
	}
	if d.Hypothesis == "" {
		problems = append(problems, "experiment.hypothesis is required")
	}
	if d.Owner == "" {
		problems = append(problems, "experiment.owner is required")
	}
	if d.StartDate.IsZero() {
		problems = append(problems, "experiment.start_date is required")
	}
	if d.EndDate.IsZero() {
		problems = append(problems, "experiment.end_date is required")
	}
	if !d.StartDate.IsZero() && !d.EndDate.IsZero() && !d.StartDate.Before(d.EndDate) {
		problems = append(problems, "experiment.start_date must be before experiment.end_date")
	}
	if d.SuccessMetric == "" {
		problems = append(problems, "experiment.success_metric is required")
	}
	if !d.OnSuccess.Valid() {
		problems = append(problems, fmt.Sprintf("experiment.on_success %q must be PROMOTE_VARIANT or CLEANUP_VARIANT", d.OnSuccess))
	}
	if !d.OnFailure.Valid() {
		problems = append(problems, fmt.Sprintf("experiment.on_failure %q must be PROMOTE_VARIANT or CLEANUP_VARIANT", d.OnFailure))
	}
	return problems
}

// FromDescriptor converts a descriptor into a State.
func FromDescriptor(d *models.Experiment) (State, error) {
	if d == nil {
		return None{}, nil
	}
	if problems := Problems(d); len(problems) > 0 {
		return nil, fmt.Errorf("invalid experiment: %v", problems)
	}
	terms := Terms{
		hypothesis: d.Hypothesis,
		owner:      d.Owner,
		start:      d.StartDate,
		end:        d.EndDate,
		metric:     d.SuccessMetric,
		onSuccess:  d.OnSuccess,
		onFailure:  d.OnFailure,
	}
	switch d.Status {
	case models.ExperimentActive:
		return Active{terms}, nil
	case models.ExperimentPaused:
		return Paused{terms}, nil
	default:
		return Concluded{terms}, nil
	}
}

// Descriptor converts a State back into its document form. None yields nil.
func Descriptor(s State) *models.Experiment {
	var (
		t      Terms
		status models.ExperimentStatus
	)
	switch v := s.(type) {
	case Active:
		t, status = v.Terms, models.ExperimentActive
	case Paused:
		t, status = v.Terms, models.ExperimentPaused
	case Concluded:
		t, status = v.Terms, models.ExperimentConcluded
	default:
		return nil
	}
	return &models.Experiment{
		Status:        status,
		Hypothesis:    t.hypothesis,
		Owner:         t.owner,
		StartDate:     t.start,
		EndDate:       t.end,
		SuccessMetric: t.metric,
		OnSuccess:     t.onSuccess,
		OnFailure:     t.onFailure,
	}
}

// ErrTransition is returned for a status change the current state does not
// allow.
var ErrTransition = errors.New("experiment status change not allowed")

// Transition moves s to status to. ACTIVE and PAUSED swap with each other and
// either may conclude; CONCLUDED is final.
func Transition(s State, to models.ExperimentStatus) (State, error) {
	switch v := s.(type) {
	case Active:
		switch to {
		case models.ExperimentPaused:
			return Paused(v), nil
		case models.ExperimentConcluded:
			return Concluded(v), nil
		}
	case Paused:
		switch to {
		case models.ExperimentActive:
			return Active(v), nil
		case models.ExperimentConcluded:
			return Concluded(v), nil
		}
	}
	from := "NONE"
	if d := Descriptor(s); d != nil {
		from = string(d.Status)
	}
	return nil, fmt.Errorf("%w: %s to %s", ErrTransition, from, to)
}
