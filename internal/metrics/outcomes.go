package metrics

import (
	"context"
	"fmt"
	"math"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/pkg/models"
)

const (
	// DefaultMinSamples is the per-variant sample floor before a non-final
	// evaluation may be conclusive.
	DefaultMinSamples = 100

	// z95 is the two-sided critical value at 95% confidence.
	z95 = 1.959964
)

// OutcomeEvaluator answers queries from the dispatch outcome log.
//
// A threshold metric is conclusive once the candidate has MinSamples
// outcomes and the 95% normal-approximation interval of its rate lies
// entirely on one side of the threshold. A comparison is conclusive once
// both variants have MinSamples outcomes and a two-proportion z-test is
// significant at 95%. Final queries are always conclusive and decided on the
// point estimates.
type OutcomeEvaluator struct {
	reader     OutcomeReader
	minSamples int
	logger     *logging.Logger
}

// NewOutcomeEvaluator creates an evaluator. minSamples <= 0 uses
// DefaultMinSamples.
func NewOutcomeEvaluator(reader OutcomeReader, minSamples int, logger *logging.Logger) *OutcomeEvaluator {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &OutcomeEvaluator{reader: reader, minSamples: minSamples, logger: logger}
}

// Evaluate implements Source.
func (e *OutcomeEvaluator) Evaluate(ctx context.Context, q Query) (*Evaluation, error) {
	expr, err := Parse(q.Metric)
	if err != nil {
		return nil, err
	}
	stats, err := e.reader.VariantStats(ctx, q.ProcessName, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("read outcomes for %s: %w", q.ProcessName, err)
	}
	byID := make(map[string]models.VariantStats, len(stats))
	for _, s := range stats {
		byID[s.VariantID] = s
	}

	var ev *Evaluation
	if expr.Comparison() {
		ev = e.compare(expr, byID[expr.Candidate], byID[expr.Baseline], q.Final)
	} else {
		ev = e.threshold(expr, byID[expr.Candidate], q.Final)
	}
	if ev.Conclusive {
		assign(ev, expr, q.Variants)
	}
	e.logger.Debug("success metric evaluated",
		"process", q.ProcessName,
		"metric", expr.String(),
		"conclusive", ev.Conclusive,
		"satisfied", ev.Satisfied,
		"score", ev.Score,
		"samples", ev.Samples)
	return ev, nil
}

func (e *OutcomeEvaluator) threshold(expr *Expression, s models.VariantStats, final bool) *Evaluation {
	n := s.Total
	ev := &Evaluation{Samples: n}
	if n == 0 {
		if final {
			ev.Conclusive = true
			ev.Reason = fmt.Sprintf("no outcomes recorded for %s", expr.Candidate)
		} else {
			ev.Reason = "no samples yet"
		}
		return ev
	}

	p := rate(expr.Rate, s)
	ev.Score = p
	ev.Satisfied = expr.Op.Compare(p, expr.Threshold)
	if final {
		ev.Conclusive = true
		ev.Reason = "experiment window closed"
		return ev
	}
	if n < e.minSamples {
		ev.Reason = fmt.Sprintf("%d of %d samples", n, e.minSamples)
		return ev
	}

	half := z95 * math.Sqrt(p*(1-p)/float64(n))
	lo, hi := p-half, p+half
	agree := expr.Op.Compare(lo, expr.Threshold) == expr.Op.Compare(hi, expr.Threshold)
	if expr.Op == OpEQ && lo <= expr.Threshold && expr.Threshold <= hi && half > 0 {
		agree = false
	}
	ev.Conclusive = agree
	ev.Reason = fmt.Sprintf("95%% interval [%.4f, %.4f]", lo, hi)
	return ev
}

func (e *OutcomeEvaluator) compare(expr *Expression, a, b models.VariantStats, final bool) *Evaluation {
	ev := &Evaluation{Samples: a.Total + b.Total}
	if a.Total == 0 || b.Total == 0 {
		if final {
			// no evidence for the candidate counts against it
			ev.Conclusive = true
			ev.Satisfied = false
			ev.Reason = "missing outcomes for one side of the comparison"
		} else {
			ev.Reason = "no samples yet"
		}
		return ev
	}

	pa, pb := rate(expr.Rate, a), rate(expr.Rate, b)
	ev.Score = pa
	ev.Satisfied = expr.Op.Compare(pa, pb)
	if final {
		ev.Conclusive = true
		ev.Reason = "experiment window closed"
		return ev
	}
	if a.Total < e.minSamples || b.Total < e.minSamples {
		ev.Reason = fmt.Sprintf("%d and %d of %d samples", a.Total, b.Total, e.minSamples)
		return ev
	}

	z, ok := twoProportionZ(pa, a.Total, pb, b.Total)
	ev.Conclusive = ok && math.Abs(z) >= z95
	ev.Reason = fmt.Sprintf("z = %.3f", z)
	return ev
}

func rate(r Rate, s models.VariantStats) float64 {
	if r == ErrorRate {
		return 1 - s.SuccessRate()
	}
	return s.SuccessRate()
}

// twoProportionZ returns the pooled two-proportion z statistic. ok is false
// when the pooled variance is zero.
func twoProportionZ(pa float64, na int, pb float64, nb int) (z float64, ok bool) {
	n1, n2 := float64(na), float64(nb)
	pooled := (pa*n1 + pb*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0, false
	}
	return (pa - pb) / se, true
}
