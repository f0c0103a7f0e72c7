package strategy

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"process-dispatcher/backend/pkg/models"
)

const (
	argBucketingKey = "bucketing_key"
	argVariantID    = "variant_id"
)

// Percentage selects variants with probability equal to their weight. With a
// bucketing_key arg the draw is replaced by the deterministic bucket point.
type Percentage struct {
	draw func() float64
}

// NewPercentage creates a Percentage strategy. A nil draw uses math/rand.
func NewPercentage(draw func() float64) *Percentage {
	if draw == nil {
		draw = rand.Float64
	}
	return &Percentage{draw: draw}
}

func (p *Percentage) Kind() models.StrategyKind { return models.StrategyPercentage }
func (p *Percentage) RequiresWeights() bool     { return true }

func (p *Percentage) Select(desc models.StrategyDescriptor, variants []models.Variant, sc SelectionContext) (string, error) {
	if key := desc.StringArg(argBucketingKey); key != "" {
		value, err := bucketingValue(key, sc)
		if err != nil {
			return "", err
		}
		return walk(desc.Kind, variants, Point(sc.ProcessName, value))
	}
	return walk(desc.Kind, variants, p.draw())
}

func (p *Percentage) CheckArgs(desc models.StrategyDescriptor, _ []models.Variant) []string {
	if v, ok := desc.Args[argBucketingKey]; ok {
		if s, isString := v.(string); !isString || s == "" {
			return []string{"strategy.args.bucketing_key must be a non-empty string"}
		}
	}
	return nil
}

// Bucketed always uses deterministic bucketing and requires a bucketing_key.
type Bucketed struct{}

func (Bucketed) Kind() models.StrategyKind { return models.StrategyBucketed }
func (Bucketed) RequiresWeights() bool     { return true }

func (Bucketed) Select(desc models.StrategyDescriptor, variants []models.Variant, sc SelectionContext) (string, error) {
	key := desc.StringArg(argBucketingKey)
	if key == "" {
		return "", &ResolutionError{Kind: desc.Kind, Reason: "bucketing_key arg is required"}
	}
	value, err := bucketingValue(key, sc)
	if err != nil {
		return "", err
	}
	return walk(desc.Kind, variants, Point(sc.ProcessName, value))
}

func (Bucketed) CheckArgs(desc models.StrategyDescriptor, _ []models.Variant) []string {
	if desc.StringArg(argBucketingKey) == "" {
		return []string{"strategy.args.bucketing_key is required for the bucketed strategy"}
	}
	return nil
}

// Fixed returns args.variant_id, or the only variant when there is one.
type Fixed struct{}

func (Fixed) Kind() models.StrategyKind { return models.StrategyFixed }
func (Fixed) RequiresWeights() bool     { return false }

func (Fixed) Select(desc models.StrategyDescriptor, variants []models.Variant, _ SelectionContext) (string, error) {
	if id := desc.StringArg(argVariantID); id != "" {
		return id, nil
	}
	if len(variants) == 1 {
		return variants[0].ID, nil
	}
	return "", &ResolutionError{Kind: desc.Kind, Reason: "variant_id arg is required when more than one variant is declared"}
}

func (Fixed) CheckArgs(desc models.StrategyDescriptor, variants []models.Variant) []string {
	id := desc.StringArg(argVariantID)
	if id == "" {
		if len(variants) != 1 {
			return []string{"strategy.args.variant_id is required when more than one variant is declared"}
		}
		return nil
	}
	for _, v := range variants {
		if v.ID == id {
			return nil
		}
	}
	return []string{"strategy.args.variant_id " + strconv.Quote(id) + " does not name a declared variant"}
}

// Point maps a process name and bucketing value onto [0,1). The process name
// salts the hash so one key lands in independent buckets per process.
func Point(processName, value string) float64 {
	h := xxhash.New()
	_, _ = h.WriteString(processName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(value)
	return float64(h.Sum64()>>11) / (1 << 53)
}

// bucketingValue reads key from the request context first, then from the
// top-level arguments. Numeric keys bucket on their literal JSON text.
func bucketingValue(key string, sc SelectionContext) (string, error) {
	if v := sc.Context[key]; v != "" {
		return v, nil
	}
	if args, ok := sc.Arguments.(map[string]interface{}); ok {
		switch v := args[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case json.Number:
			return v.String(), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", &MissingBucketingKeyError{Key: key}
}

// walk accumulates weights in declared order and returns the first variant
// whose cumulative weight reaches point. Zero weights never win.
func walk(kind models.StrategyKind, variants []models.Variant, point float64) (string, error) {
	var (
		cum  float64
		last string
	)
	for _, v := range variants {
		w := v.WeightOrZero()
		if w <= 0 {
			continue
		}
		cum += w
		last = v.ID
		if cum >= point {
			return v.ID, nil
		}
	}
	// rounding can leave the sum a hair under the point
	if last != "" {
		return last, nil
	}
	return "", &ResolutionError{Kind: kind, Reason: "no variant carries a positive weight"}
}
