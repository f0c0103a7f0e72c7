package metrics

import (
	"context"
	"time"

	"process-dispatcher/backend/pkg/models"
)

// Query asks whether an experiment's success metric holds over a window.
type Query struct {
	ProcessName string    `json:"process_name"`
	Metric      string    `json:"success_metric"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	// Final is set once the experiment's end date has passed; the source must
	// then answer conclusively on whatever evidence it has.
	Final    bool     `json:"final"`
	Variants []string `json:"variants"`
}

// Evaluation is a Metrics Source answer.
type Evaluation struct {
	Conclusive bool     `json:"conclusive"`
	Satisfied  bool     `json:"satisfied"`
	Winner     string   `json:"winner,omitempty"`
	Losers     []string `json:"losers,omitempty"`
	Score      float64  `json:"score"`
	Samples    int      `json:"samples"`
	Reason     string   `json:"reason,omitempty"`
}

// Source evaluates success metrics.
type Source interface {
	Evaluate(ctx context.Context, q Query) (*Evaluation, error)
}

// OutcomeReader aggregates the dispatch outcome log per variant.
type OutcomeReader interface {
	VariantStats(ctx context.Context, processName string, from, to time.Time) ([]models.VariantStats, error)
}

// assign fills Winner and Losers from the verdict. A satisfied metric keeps
// the candidate and drops every other variant; a violated comparison keeps
// the baseline; a violated threshold drops only the candidate and leaves the
// winner to the caller.
func assign(ev *Evaluation, expr *Expression, variants []string) {
	if ev.Satisfied {
		ev.Winner = expr.Candidate
		for _, id := range variants {
			if id != expr.Candidate {
				ev.Losers = append(ev.Losers, id)
			}
		}
		if len(variants) == 0 && expr.Comparison() {
			ev.Losers = []string{expr.Baseline}
		}
		return
	}
	if expr.Comparison() {
		ev.Winner = expr.Baseline
	}
	ev.Losers = []string{expr.Candidate}
}
