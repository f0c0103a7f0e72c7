// Package lifecycle resolves A/B experiments: it periodically asks a metrics
// source whether each active experiment has concluded and applies the
// declared promotion or cleanup policy through the manifest store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"process-dispatcher/backend/internal/experiment"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/metrics"
	"process-dispatcher/backend/internal/telemetry"
	"process-dispatcher/backend/pkg/models"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 4
)

var (
	// ErrNotActive is returned when pausing an experiment that is not ACTIVE.
	ErrNotActive = errors.New("experiment is not active")
	// ErrNotPaused is returned when resuming an experiment that is not PAUSED.
	ErrNotPaused = errors.New("experiment is not paused")

	errStale = errors.New("manifest changed since evaluation")
)

// Store is the part of the manifest store the manager needs. All mutations
// go through Update.
type Store interface {
	List() []*manifest.Snapshot
	Update(ctx context.Context, name string, mutate func(m *models.ProcessManifest) error) (*manifest.Snapshot, error)
}

// Action records one applied resolution. Policy is empty when an experiment
// was concluded without a verdict.
type Action struct {
	ProcessName string                  `json:"process_name"`
	Policy      models.ResolutionPolicy `json:"policy"`
	Success     bool                    `json:"success"`
	Winner      string                  `json:"winner,omitempty"`
	Removed     []string                `json:"removed,omitempty"`
	FromVersion int                     `json:"from_version"`
	ToVersion   int                     `json:"to_version"`
	Reason      string                  `json:"reason,omitempty"`
}

// Options configures a Manager. Zero values get defaults.
type Options struct {
	Interval    time.Duration
	Concurrency int
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
	Now         func() time.Time
}

// Manager evaluates experiments. EvaluateExperiments may be called directly;
// Run calls it on a ticker.
type Manager struct {
	store       Store
	source      metrics.Source
	interval    time.Duration
	concurrency int
	metrics     *telemetry.Metrics
	logger      *logging.Logger
	now         func() time.Time

	// serializes evaluation cycles
	cycle sync.Mutex
}

// NewManager creates a Manager.
func NewManager(store Store, source metrics.Source, opts Options) *Manager {
	m := &Manager{
		store:       store,
		source:      source,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultConcurrency
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Run evaluates experiments every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("experiment lifecycle manager started", "interval", m.interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("experiment lifecycle manager stopped")
			return
		case <-ticker.C:
			actions, err := m.EvaluateExperiments(ctx, m.now())
			if err != nil {
				m.logger.Warn("experiment evaluation cycle aborted", "error", err)
				continue
			}
			if len(actions) > 0 {
				m.logger.Info("experiment evaluation cycle finished", "actions", len(actions))
			}
		}
	}
}

// EvaluateExperiments evaluates every ACTIVE experiment as of now and
// returns the resolutions it applied, sorted by process name. A manifest
// whose metrics cannot be read is skipped until the next cycle; only
// cancellation of ctx fails the cycle.
func (m *Manager) EvaluateExperiments(ctx context.Context, now time.Time) ([]Action, error) {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	var (
		mu      sync.Mutex
		actions []Action
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, snap := range m.store.List() {
		active, ok := snap.Experiment.(experiment.Active)
		if !ok {
			continue
		}
		g.Go(func() error {
			action, err := m.evaluate(gctx, snap, active, now)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			if action != nil {
				mu.Lock()
				actions = append(actions, *action)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ProcessName < actions[j].ProcessName })
	return actions, nil
}

// evaluate returns a nil Action when the experiment keeps running. Errors
// are logged here.
func (m *Manager) evaluate(ctx context.Context, snap *manifest.Snapshot, active experiment.Active, now time.Time) (*Action, error) {
	name := snap.Name()
	log := m.logger.With("process", name, "manifest_version", snap.Version())

	from, to, final := active.Window(now)
	variants := make([]string, 0, len(snap.Manifest.Variants))
	for _, v := range snap.Manifest.Variants {
		variants = append(variants, v.ID)
	}
	ev, err := m.source.Evaluate(ctx, metrics.Query{
		ProcessName: name,
		Metric:      active.SuccessMetric(),
		From:        from,
		To:          to,
		Final:       final,
		Variants:    variants,
	})
	if err != nil {
		m.metrics.RecordEvaluationError(ctx, name)
		if final && errors.Is(err, metrics.ErrInvalidExpression) {
			return m.conclude(ctx, snap, err)
		}
		log.Warn("success metric evaluation failed, retrying next cycle", "metric", active.SuccessMetric(), "error", err)
		return nil, err
	}
	if !ev.Conclusive && !final {
		log.Debug("experiment still running", "reason", ev.Reason)
		return nil, nil
	}

	policy := active.Policy(ev.Satisfied)
	action := &Action{
		ProcessName: name,
		Policy:      policy,
		Success:     ev.Satisfied,
		FromVersion: snap.Version(),
		Reason:      ev.Reason,
	}
	updated, err := m.store.Update(ctx, name, func(pm *models.ProcessManifest) error {
		if pm.Version != snap.Version() {
			return errStale
		}
		if err := ApplyPolicy(pm, policy, ev.Winner, ev.Losers); err != nil {
			return err
		}
		action.Winner, action.Removed = diff(snap.Manifest, pm)
		return nil
	})
	if err != nil {
		log.Warn("experiment resolution not applied", "policy", policy, "error", err)
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	action.ToVersion = updated.Version()

	m.metrics.RecordAction(ctx, name, string(policy))
	log.Info("experiment concluded",
		"policy", policy,
		"success", ev.Satisfied,
		"winner", action.Winner,
		"removed", action.Removed,
		"new_version", action.ToVersion)
	return action, nil
}

// conclude ends an experiment whose success metric can never be evaluated.
// Variants are left as they are.
func (m *Manager) conclude(ctx context.Context, snap *manifest.Snapshot, cause error) (*Action, error) {
	name := snap.Name()
	updated, err := m.store.Update(ctx, name, func(pm *models.ProcessManifest) error {
		if pm.Version != snap.Version() {
			return errStale
		}
		return transition(pm, models.ExperimentConcluded)
	})
	if err != nil {
		m.logger.Warn("experiment not concluded", "process", name, "error", err)
		return nil, fmt.Errorf("conclude %s: %w", name, err)
	}
	m.metrics.RecordAction(ctx, name, string(models.ExperimentConcluded))
	m.logger.Warn("experiment concluded without a verdict", "process", name, "error", cause, "new_version", updated.Version())
	return &Action{
		ProcessName: name,
		FromVersion: snap.Version(),
		ToVersion:   updated.Version(),
		Reason:      cause.Error(),
	}, nil
}

// diff reports the surviving variant when exactly one remains and the ids
// removed between before and after.
func diff(before, after *models.ProcessManifest) (winner string, removed []string) {
	if len(after.Variants) == 1 {
		winner = after.Variants[0].ID
	}
	for _, v := range before.Variants {
		if _, ok := after.Variant(v.ID); !ok {
			removed = append(removed, v.ID)
		}
	}
	return winner, removed
}

// Pause moves an ACTIVE experiment to PAUSED.
func (m *Manager) Pause(ctx context.Context, name string) (*manifest.Snapshot, error) {
	return m.setStatus(ctx, name, models.ExperimentActive, models.ExperimentPaused, ErrNotActive)
}

// Resume moves a PAUSED experiment back to ACTIVE.
func (m *Manager) Resume(ctx context.Context, name string) (*manifest.Snapshot, error) {
	return m.setStatus(ctx, name, models.ExperimentPaused, models.ExperimentActive, ErrNotPaused)
}

func (m *Manager) setStatus(ctx context.Context, name string, from, to models.ExperimentStatus, wrong error) (*manifest.Snapshot, error) {
	snap, err := m.store.Update(ctx, name, func(pm *models.ProcessManifest) error {
		if pm.Experiment == nil || pm.Experiment.Status != from {
			return fmt.Errorf("%w: %s", wrong, name)
		}
		return transition(pm, to)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("experiment status changed", "process", name, "from", from, "to", to, "manifest_version", snap.Version())
	return snap, nil
}

func transition(pm *models.ProcessManifest, to models.ExperimentStatus) error {
	state, err := experiment.FromDescriptor(pm.Experiment)
	if err != nil {
		return err
	}
	next, err := experiment.Transition(state, to)
	if err != nil {
		return err
	}
	pm.Experiment = experiment.Descriptor(next)
	return nil
}
