// Package metrics evaluates experiment success metrics against a Metrics
// Source. The built-in source reads the dispatch outcome log; the HTTP source
// delegates to an external service.
package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidExpression is returned for a success metric outside the grammar.
var ErrInvalidExpression = errors.New("invalid success metric")

// Rate names the per-variant quantity an expression measures.
type Rate string

const (
	SuccessRate Rate = "success_rate"
	ErrorRate   Rate = "error_rate"
)

// Op is a comparison operator.
type Op string

const (
	OpGE Op = ">="
	OpGT Op = ">"
	OpLE Op = "<="
	OpLT Op = "<"
	OpEQ Op = "=="
)

// equalTolerance bounds == comparisons on rates.
const equalTolerance = 1e-9

// Compare applies op to a and b.
func (op Op) Compare(a, b float64) bool {
	switch op {
	case OpGE:
		return a >= b
	case OpGT:
		return a > b
	case OpLE:
		return a <= b
	case OpLT:
		return a < b
	case OpEQ:
		d := a - b
		return d < equalTolerance && d > -equalTolerance
	}
	return false
}

// Expression is a parsed success metric. Exactly one of Baseline and
// Threshold is meaningful: a comparison has a Baseline variant, a threshold
// form does not.
type Expression struct {
	Rate      Rate
	Candidate string
	Op        Op
	Baseline  string
	Threshold float64
}

// Comparison reports whether the expression compares two variants.
func (e *Expression) Comparison() bool { return e.Baseline != "" }

// Variants lists the variant ids the expression reads.
func (e *Expression) Variants() []string {
	if e.Comparison() {
		return []string{e.Candidate, e.Baseline}
	}
	return []string{e.Candidate}
}

func (e *Expression) String() string {
	rhs := strconv.FormatFloat(e.Threshold, 'g', -1, 64)
	if e.Comparison() {
		rhs = fmt.Sprintf("%s(%s)", e.Rate, e.Baseline)
	}
	return fmt.Sprintf("%s(%s) %s %s", e.Rate, e.Candidate, e.Op, rhs)
}

var (
	termPattern  = `(success_rate|error_rate)\(\s*([A-Za-z0-9_.-]+)\s*\)`
	exprPattern  = regexp.MustCompile(`^\s*` + termPattern + `\s*(>=|<=|==|>|<)\s*(.+?)\s*$`)
	rightPattern = regexp.MustCompile(`^` + termPattern + `$`)
)

// Parse reads a success metric such as
//
//	success_rate(agent_v1) >= 0.9
//	error_rate(agent_v1) < error_rate(playbook_v1)
//
// Both sides of a comparison must measure the same rate. Thresholds must lie
// in [0, 1].
func Parse(expr string) (*Expression, error) {
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	e := &Expression{Rate: Rate(m[1]), Candidate: m[2], Op: Op(m[3])}

	rhs := m[4]
	if r := rightPattern.FindStringSubmatch(rhs); r != nil {
		if Rate(r[1]) != e.Rate {
			return nil, fmt.Errorf("%w: %q compares %s with %s", ErrInvalidExpression, expr, e.Rate, r[1])
		}
		if r[2] == e.Candidate {
			return nil, fmt.Errorf("%w: %q compares %s with itself", ErrInvalidExpression, expr, e.Candidate)
		}
		e.Baseline = r[2]
		return e, nil
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(rhs), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: right-hand side %q is neither a number nor a rate", ErrInvalidExpression, expr, rhs)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %q: threshold must be within [0, 1]", ErrInvalidExpression, expr)
	}
	e.Threshold = threshold
	return e, nil
}

// CheckMetric parses metric and checks that every variant it reads is one of
// declared. It fits manifest.MetricChecker.
func CheckMetric(metric string, declared []string) error {
	expr, err := Parse(metric)
	if err != nil {
		return err
	}
	for _, id := range expr.Variants() {
		if !slices.Contains(declared, id) {
			return fmt.Errorf("%w: %q reads undeclared variant %q", ErrInvalidExpression, metric, id)
		}
	}
	return nil
}
